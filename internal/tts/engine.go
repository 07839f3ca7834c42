package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/last-whisper-backend/internal/tasks"
	"github.com/coachpo/last-whisper-backend/pkg/log"
)

const (
	requestBuffer = 256
	messageBuffer = 1024
)

// Engine queues synthesis requests and renders them on a single worker
// goroutine, publishing status messages (queued, processing,
// completed/failed, done) on one channel. It satisfies tasks.Engine.
type Engine struct {
	synth     Synthesizer
	outputDir string
	languages []string

	requests chan request
	messages chan tasks.StatusMessage

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type request struct {
	id       string
	text     string
	language string
	filename string
}

type EngineOption func(*Engine)

// WithSupportedLanguages restricts submissions to the given ISO 639-1
// codes. An empty list accepts everything.
func WithSupportedLanguages(codes ...string) EngineOption {
	return func(e *Engine) {
		e.languages = codes
	}
}

func NewEngine(synth Synthesizer, outputDir string, opts ...EngineOption) *Engine {
	e := &Engine{
		synth:     synth,
		outputDir: outputDir,
		requests:  make(chan request, requestBuffer),
		messages:  make(chan tasks.StatusMessage, messageBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Messages returns the status channel consumed by the task monitor.
func (e *Engine) Messages() <-chan tasks.StatusMessage {
	return e.messages
}

// Submit queues a synthesis request and returns its id. The audio lands
// in the output directory, named after the custom name when given,
// otherwise tts_<timestamp>_<hash8>.wav.
func (e *Engine) Submit(ctx context.Context, text, customName, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty text provided")
	}
	if len(e.languages) > 0 && !slices.Contains(e.languages, language) {
		return "", fmt.Errorf("language %q is not supported (supported: %s)",
			language, strings.Join(e.languages, ", "))
	}

	timestamp := time.Now().Format("20060102_150405")
	hash8 := tasks.HashText(text)[:8]

	var baseName string
	if customName != "" {
		baseName = strings.TrimSuffix(customName, filepath.Ext(customName)) + ".wav"
	} else {
		baseName = fmt.Sprintf("tts_%s_%s.wav", timestamp, hash8)
	}
	filename := filepath.Join(e.outputDir, baseName)

	id := fmt.Sprintf("%s_%s", timestamp, hash8)
	req := request{
		id:       id,
		text:     text,
		language: language,
		filename: filename,
	}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	e.publish(id, filename, tasks.StatusQueued, map[string]any{
		"language": language,
	})

	log.Info("Request %s submitted and queued. Output file: %s", id, filename)
	return id, nil
}

// QueueSize reports how many requests wait for the worker.
func (e *Engine) QueueSize() int {
	return len(e.requests)
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.worker()
	log.Info("TTS engine started")
}

// Stop signals the worker and joins it. A request being rendered when
// stop is requested finishes first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	log.Info("TTS engine stopped")
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case req := <-e.requests:
			e.process(req)
		}
	}
}

func (e *Engine) process(req request) {
	log.Info("Processing request %s", req.id)

	started := time.Now().UTC()
	e.publish(req.id, req.filename, tasks.StatusProcessing, map[string]any{
		"started_at": started.Format(time.RFC3339Nano),
		"language":   req.language,
		"device":     e.synth.Device(),
	})

	artifact, err := e.synth.Synthesize(context.Background(), SynthesisRequest{
		Text:       req.text,
		Language:   req.language,
		OutputPath: req.filename,
	})
	if err != nil {
		log.Error("Request %s failed: %v", req.id, err)
		e.publish(req.id, req.filename, tasks.StatusFailed, map[string]any{
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
			"error":     err.Error(),
			"device":    e.synth.Device(),
		})
		return
	}

	completedMeta := map[string]any{
		"completed_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"file_size":     artifact.FileSize,
		"sampling_rate": artifact.SamplingRate,
		"language":      req.language,
		"device":        e.synth.Device(),
	}
	e.publish(req.id, artifact.Path, tasks.StatusCompleted, completedMeta)
	e.publish(req.id, artifact.Path, tasks.StatusDone, completedMeta)

	log.Info("Request %s completed. Saved: %s", req.id, artifact.Path)
}

// publish never blocks forever: a full channel yields to the stop signal
// so Stop cannot deadlock against a stuck consumer.
func (e *Engine) publish(id, outputPath string, status tasks.Status, metadata map[string]any) {
	msg := tasks.StatusMessage{
		TaskID:     id,
		Status:     status,
		OutputPath: outputPath,
		Metadata:   metadata,
	}

	e.mu.Lock()
	stopCh := e.stopCh
	e.mu.Unlock()
	if stopCh == nil {
		// Not started yet; the buffered channel holds early messages.
		e.messages <- msg
		return
	}

	select {
	case e.messages <- msg:
	case <-stopCh:
	}
}

// EnsureOutputDir creates the engine's output directory.
func EnsureOutputDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}
