package tts

import "context"

// SynthesisRequest asks for one piece of text to be rendered as audio at
// OutputPath.
type SynthesisRequest struct {
	Text       string
	Language   string
	OutputPath string
}

// Artifact describes the audio file a synthesizer produced.
type Artifact struct {
	Path         string
	FileSize     int64
	SamplingRate int
}

// Synthesizer is the actual audio producer behind the engine. Device
// names the backend for status metadata (e.g. "google-tts-api").
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*Artifact, error)
	Device() string
}
