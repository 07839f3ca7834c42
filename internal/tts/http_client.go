package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const defaultSynthesisTimeout = 60 * time.Second

// ClientConfig configures the HTTP synthesizer.
type ClientConfig struct {
	APIURL     string
	APIKey     string
	Voice      string
	SampleRate int
	Timeout    time.Duration
}

// Client talks to a speech-synthesis HTTP API and writes the returned
// audio to disk. It implements Synthesizer.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSynthesisTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Device() string {
	return "tts-api"
}

type synthesisPayload struct {
	Text       string `json:"text"`
	Language   string `json:"language,omitempty"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate_hz,omitempty"`
}

type synthesisResponse struct {
	AudioContent string `json:"audio_content"`
	SampleRate   int    `json:"sample_rate_hz"`
	Error        string `json:"error"`
}

func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) (*Artifact, error) {
	payload, err := json.Marshal(synthesisPayload{
		Text:       req.Text,
		Language:   req.Language,
		Voice:      c.cfg.Voice,
		SampleRate: c.cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call synthesis API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis API returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed synthesisResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode synthesis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("synthesis API error: %s", parsed.Error)
	}

	audio, err := base64.StdEncoding.DecodeString(parsed.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio content: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis API returned no audio")
	}

	if err := writeAtomically(req.OutputPath, audio); err != nil {
		return nil, err
	}

	sampleRate := parsed.SampleRate
	if sampleRate == 0 {
		sampleRate = c.cfg.SampleRate
	}
	return &Artifact{
		Path:         req.OutputPath,
		FileSize:     int64(len(audio)),
		SamplingRate: sampleRate,
	}, nil
}

// writeAtomically stages the audio under a unique temp name and renames
// it into place, so a crash mid-write never leaves a partial artifact at
// the final path.
func writeAtomically(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp := filepath.Join(dir, uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize audio file: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
