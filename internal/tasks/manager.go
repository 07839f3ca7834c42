package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/last-whisper-backend/pkg/log"
)

// Engine is the narrow contract a concrete producer must satisfy: accept a
// submission and stream status messages back on a single channel.
type Engine interface {
	Submit(ctx context.Context, text, customName, language string) (string, error)
	Messages() <-chan StatusMessage
}

// TerminalNotifier lets an owning entity react when a task reaches a
// terminal state. It is invoked from the monitor goroutine.
type TerminalNotifier interface {
	OnTaskTerminal(ctx context.Context, taskID string, status Status, outputPath string)
}

// Manager ties the store and the engine together: it deduplicates
// submissions by content hash, runs the single monitor goroutine that
// reconciles producer messages into the store, and hosts recovery and
// health operations.
type Manager struct {
	store    Store
	engine   Engine
	notifier TerminalNotifier
	language string

	sf singleflight.Group

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Manager)

// WithNotifier registers a terminal-state callback.
func WithNotifier(n TerminalNotifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithLanguage fixes the language hint passed to the engine instead of
// detecting it per submission.
func WithLanguage(language string) Option {
	return func(m *Manager) {
		m.language = language
	}
}

func NewManager(store Store, engine Engine, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		engine: engine,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit deduplicates against existing tasks before creating new work.
// Identical text already queued, processing or completed reuses that task's
// id without touching the engine; otherwise the engine is asked for a new
// id and a queued row is persisted. A failed engine submit leaves no row
// behind.
func (m *Manager) Submit(ctx context.Context, text, customName string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	if m.engine == nil {
		return "", ErrEngineUnavailable
	}

	hash := HashText(text)

	// Concurrent first-time submissions of identical text collapse onto one
	// engine call; the store's in-flight uniqueness backstops other writers.
	v, err, _ := m.sf.Do(hash, func() (any, error) {
		return m.submitHash(ctx, text, hash, customName)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SubmitForItem submits text on behalf of an owning item and links the
// resulting task (new or reused) to that item.
func (m *Manager) SubmitForItem(ctx context.Context, itemID int64, text, customName string) (string, error) {
	id, err := m.Submit(ctx, text, customName)
	if err != nil {
		return "", err
	}
	if err := m.store.AttachItem(ctx, id, itemID); err != nil {
		log.Error("Failed to link task %s to item %d: %v", id, itemID, err)
		return id, nil
	}
	log.Info("Linked task %s to item %d", id, itemID)
	return id, nil
}

func (m *Manager) submitHash(ctx context.Context, text, hash, customName string) (string, error) {
	existing, ok, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("lookup task by hash: %w", err)
	}
	if ok {
		log.Info("Task with same text already %s (ID: %s)", existing.Status, existing.ID)
		return existing.ID, nil
	}

	id, err := m.engine.Submit(ctx, text, customName, m.languageFor(text))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if id == "" {
		return "", ErrEngineUnavailable
	}

	now := time.Now().UTC()
	task := &Task{
		ID:          id,
		Text:        text,
		TextHash:    hash,
		Status:      StatusQueued,
		CustomName:  customName,
		CreatedAt:   now,
		SubmittedAt: now,
	}
	if err := m.store.Create(ctx, task); err != nil {
		if errors.Is(err, ErrDuplicateInFlight) {
			if racing, found, lookErr := m.store.GetByHash(ctx, hash); lookErr == nil && found {
				return racing.ID, nil
			}
		}
		return "", fmt.Errorf("persist task: %w", err)
	}

	log.Info("Created new task: %s", id)
	return id, nil
}

func (m *Manager) languageFor(text string) string {
	if m.language != "" {
		return m.language
	}
	return whatlanggo.DetectLang(text).Iso6391()
}

// Get returns the stored task for an id.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.store.GetByID(ctx, id)
}

// List returns tasks newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status Status, limit int) ([]*Task, error) {
	return m.store.List(ctx, status, limit)
}

// Stats returns aggregate counters over the task table.
func (m *Manager) Stats(ctx context.Context) (*Statistics, error) {
	return m.store.Stats(ctx)
}

// Retry resubmits a failed task's text as a fresh attempt. Any other
// status is a no-op returning an empty id.
func (m *Manager) Retry(ctx context.Context, id string) (string, error) {
	task, err := m.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if task.Status != StatusFailed {
		return "", nil
	}
	// The failed row is excluded from dedup, so the engine is invoked again
	// and a new attempt is created. The old row stays for the cleanup sweep.
	if task.ItemID != nil {
		return m.SubmitForItem(ctx, *task.ItemID, task.Text, task.CustomName)
	}
	return m.Submit(ctx, task.Text, task.CustomName)
}

// StartMonitoring launches the single background goroutine that drains the
// engine's status channel into the store. Calling it twice is a no-op.
func (m *Manager) StartMonitoring() {
	m.mu.Lock()
	if m.running || m.engine == nil {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitor()
	log.Info("Task monitoring started")
}

// StopMonitoring signals the monitor goroutine and joins it. A message
// being applied when stop is requested is fully applied before this
// returns.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	log.Info("Task monitoring stopped")
}

func (m *Manager) monitor() {
	defer m.wg.Done()

	messages := m.engine.Messages()
	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			m.applyMessage(context.Background(), msg)
		}
	}
}

// applyMessage maps one status message onto its typed store transition.
// Each call is one transaction; messages for the same task arrive in
// emission order because this is the only consumer.
func (m *Manager) applyMessage(ctx context.Context, msg StatusMessage) {
	if msg.TaskID == "" {
		return
	}

	log.Debug("Updating task %s status to %s", msg.TaskID, msg.Status)

	var err error
	switch msg.Status {
	case StatusProcessing:
		err = m.store.MarkProcessing(ctx, msg.TaskID, ProcessingUpdate{
			StartedAt: metaTime(msg.Metadata, "started_at"),
			Device:    metaString(msg.Metadata, "device"),
			Metadata:  msg.Metadata,
		})
	case StatusCompleted:
		err = m.store.MarkCompleted(ctx, msg.TaskID, CompletedUpdate{
			CompletedAt:  metaTime(msg.Metadata, "completed_at"),
			OutputPath:   msg.OutputPath,
			FileSize:     metaInt64(msg.Metadata, "file_size"),
			SamplingRate: metaInt(msg.Metadata, "sampling_rate"),
			Device:       metaString(msg.Metadata, "device"),
			Metadata:     msg.Metadata,
		})
	case StatusFailed:
		err = m.store.MarkFailed(ctx, msg.TaskID, FailedUpdate{
			FailedAt:     metaTime(msg.Metadata, "failed_at"),
			ErrorMessage: metaString(msg.Metadata, "error"),
			Device:       metaString(msg.Metadata, "device"),
			Metadata:     msg.Metadata,
		})
	case StatusQueued:
		// The row is already queued at submit time; nothing to apply.
	case StatusDone:
		// Confirmation only, the completed transition already ran.
	default:
		log.Warn("Ignoring message with unknown status %q for task %s", msg.Status, msg.TaskID)
		return
	}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The row may have been purged; drop the message.
			log.Warn("Task %s not found in database", msg.TaskID)
			return
		}
		log.Error("Failed to update task %s: %v", msg.TaskID, err)
		return
	}

	if msg.Status.Terminal() {
		m.notifyTerminal(ctx, msg)
	}
}

func (m *Manager) notifyTerminal(ctx context.Context, msg StatusMessage) {
	if m.notifier == nil {
		return
	}
	outputPath := msg.OutputPath
	if outputPath == "" {
		if task, err := m.store.GetByID(ctx, msg.TaskID); err == nil {
			outputPath = task.OutputPath
		}
	}
	m.notifier.OnTaskTerminal(ctx, msg.TaskID, msg.Status, outputPath)
}

// Health reports a point-in-time snapshot. It never fails: an unreachable
// store or missing engine degrades to zero values.
func (m *Manager) Health() Health {
	var h Health

	m.mu.Lock()
	h.WorkerRunning = m.running
	m.mu.Unlock()

	if m.engine != nil {
		h.EngineAvailable = true
		// Producers that track their request backlog report it directly;
		// otherwise the unconsumed message count approximates the depth.
		if q, ok := m.engine.(interface{ QueueSize() int }); ok {
			h.QueueDepth = q.QueueSize()
		} else {
			h.QueueDepth = len(m.engine.Messages())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if counts, err := m.store.CountByStatus(ctx); err == nil {
		h.PendingTasks = counts[StatusQueued] + counts[StatusProcessing]
	}
	return h
}

func metaString(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

func metaTime(md map[string]any, key string) time.Time {
	if md != nil {
		switch v := md[key].(type) {
		case time.Time:
			return v
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return ts
			}
		}
	}
	return time.Now().UTC()
}

func metaInt64(md map[string]any, key string) *int64 {
	if md == nil {
		return nil
	}
	switch v := md[key].(type) {
	case int64:
		return &v
	case int:
		n := int64(v)
		return &n
	case float64:
		n := int64(v)
		return &n
	}
	return nil
}

func metaInt(md map[string]any, key string) *int {
	if n := metaInt64(md, key); n != nil {
		v := int(*n)
		return &v
	}
	return nil
}
