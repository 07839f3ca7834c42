package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RejectsEmptyText(t *testing.T) {
	m := NewManager(newMemoryStore(), newFakeEngine())

	for _, text := range []string{"", "   ", "\n\t"} {
		id, err := m.Submit(context.Background(), text, "")
		require.ErrorIs(t, err, ErrEmptyText)
		assert.Empty(t, id)
	}
}

func TestSubmit_WithoutEngine(t *testing.T) {
	m := NewManager(newMemoryStore(), nil)

	id, err := m.Submit(context.Background(), "hello", "")
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Empty(t, id)
}

func TestSubmit_EngineFailureLeavesNoRow(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	engine.failSubmit = true
	m := NewManager(store, engine)

	id, err := m.Submit(context.Background(), "hello", "")
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Empty(t, id)

	all, err := store.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmit_DeduplicatesWhileInFlight(t *testing.T) {
	engine := newFakeEngine()
	m := NewManager(newMemoryStore(), engine, WithLanguage("fi"))

	first, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)
	second, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, engine.submitCount())
}

func TestSubmit_ReusesCompletedTask(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))
	m.StartMonitoring()
	defer m.StopMonitoring()

	id, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)

	engine.push(StatusMessage{
		TaskID:     id,
		Status:     StatusCompleted,
		OutputPath: "/out/hello.wav",
		Metadata:   map[string]any{"file_size": int64(2048), "sampling_rate": 16000},
	})

	require.Eventually(t, func() bool {
		task, err := m.Get(context.Background(), id)
		return err == nil && task.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	again, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, engine.submitCount())

	task, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "/out/hello.wav", task.OutputPath)
	require.NotNil(t, task.FileSize)
	assert.Equal(t, int64(2048), *task.FileSize)
}

func TestSubmit_DoesNotReuseFailedTask(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))
	m.StartMonitoring()
	defer m.StopMonitoring()

	first, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)

	engine.push(StatusMessage{
		TaskID:   first,
		Status:   StatusFailed,
		Metadata: map[string]any{"error": "boom"},
	})

	require.Eventually(t, func() bool {
		task, err := m.Get(context.Background(), first)
		return err == nil && task.Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	second, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, engine.submitCount())
}

func TestSubmit_ConcurrentIdenticalTextHitsEngineOnce(t *testing.T) {
	engine := newFakeEngine()
	m := NewManager(newMemoryStore(), engine, WithLanguage("fi"))

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := m.Submit(context.Background(), "hello", "")
			require.NoError(t, err)
			ids[n] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, engine.submitCount())
}

func TestSubmitForItem_LinksTask(t *testing.T) {
	store := newMemoryStore()
	m := NewManager(store, newFakeEngine(), WithLanguage("fi"))

	id, err := m.SubmitForItem(context.Background(), 42, "hello", "item_42")
	require.NoError(t, err)

	task, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task.ItemID)
	assert.Equal(t, int64(42), *task.ItemID)
	assert.Equal(t, "item_42", task.CustomName)
}

func TestMonitor_AppliesTransitionsInOrder(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))
	m.StartMonitoring()
	defer m.StopMonitoring()

	id, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)

	started := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	engine.push(StatusMessage{
		TaskID: id,
		Status: StatusProcessing,
		Metadata: map[string]any{
			"started_at": started.Format(time.RFC3339Nano),
			"device":     "cuda:0",
		},
	})

	require.Eventually(t, func() bool {
		task, err := m.Get(context.Background(), id)
		return err == nil && task.Status == StatusProcessing
	}, time.Second, 10*time.Millisecond)

	task, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	assert.True(t, task.StartedAt.Equal(started))
	assert.Equal(t, "cuda:0", task.Device)
	assert.Nil(t, task.CompletedAt)
	assert.Nil(t, task.FailedAt)

	engine.push(StatusMessage{
		TaskID:     id,
		Status:     StatusCompleted,
		OutputPath: "/out/hello.wav",
		Metadata:   map[string]any{"device": "cuda:0"},
	})

	require.Eventually(t, func() bool {
		task, err := m.Get(context.Background(), id)
		return err == nil && task.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	task, err = m.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)
	assert.Nil(t, task.FailedAt)
}

func TestMonitor_DropsMessagesForUnknownTask(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))
	m.StartMonitoring()
	defer m.StopMonitoring()

	engine.push(StatusMessage{TaskID: "purged-task", Status: StatusCompleted})

	id, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)
	engine.push(StatusMessage{TaskID: id, Status: StatusProcessing})

	require.Eventually(t, func() bool {
		task, err := m.Get(context.Background(), id)
		return err == nil && task.Status == StatusProcessing
	}, time.Second, 10*time.Millisecond)
}

type notifyCall struct {
	taskID     string
	status     Status
	outputPath string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *recordingNotifier) OnTaskTerminal(_ context.Context, taskID string, status Status, outputPath string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{taskID, status, outputPath})
}

func (n *recordingNotifier) snapshot() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

func TestMonitor_DoneNotifiesWithoutMutatingTask(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	notifier := &recordingNotifier{}
	m := NewManager(store, engine, WithLanguage("fi"), WithNotifier(notifier))
	m.StartMonitoring()
	defer m.StopMonitoring()

	id, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)

	engine.push(StatusMessage{TaskID: id, Status: StatusCompleted, OutputPath: "/out/hello.wav"})
	engine.push(StatusMessage{TaskID: id, Status: StatusDone})

	require.Eventually(t, func() bool {
		return len(notifier.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	calls := notifier.snapshot()
	assert.Equal(t, StatusCompleted, calls[0].status)
	assert.Equal(t, StatusDone, calls[1].status)
	assert.Equal(t, "/out/hello.wav", calls[1].outputPath)

	task, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.Nil(t, task.FailedAt)
}

func TestRetry_FailedTaskStartsFreshAttempt(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))
	m.StartMonitoring()
	defer m.StopMonitoring()

	first, err := m.SubmitForItem(context.Background(), 7, "hello", "item_7")
	require.NoError(t, err)

	engine.push(StatusMessage{
		TaskID:   first,
		Status:   StatusFailed,
		Metadata: map[string]any{"error": "boom"},
	})
	require.Eventually(t, func() bool {
		task, err := m.Get(context.Background(), first)
		return err == nil && task.Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	second, err := m.Retry(context.Background(), first)
	require.NoError(t, err)
	require.NotEmpty(t, second)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, engine.submitCount())

	task, err := m.Get(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, task.Status)
	assert.Empty(t, task.ErrorMessage)
	require.NotNil(t, task.ItemID)
	assert.Equal(t, int64(7), *task.ItemID)
}

func TestRetry_NonFailedTaskIsNoOp(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))

	id, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)

	retried, err := m.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, retried)
	assert.Equal(t, 1, engine.submitCount())
}

func TestRetry_UnknownTask(t *testing.T) {
	m := NewManager(newMemoryStore(), newFakeEngine())

	_, err := m.Retry(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStopMonitoring_JoinsWorker(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))

	m.StartMonitoring()
	assert.True(t, m.Health().WorkerRunning)

	m.StopMonitoring()
	assert.False(t, m.Health().WorkerRunning)

	// Idempotent.
	m.StopMonitoring()
}

func TestHealth_Snapshot(t *testing.T) {
	store := newMemoryStore()
	engine := newFakeEngine()
	m := NewManager(store, engine, WithLanguage("fi"))

	_, err := m.Submit(context.Background(), "hello", "")
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), "world", "")
	require.NoError(t, err)

	h := m.Health()
	assert.False(t, h.WorkerRunning)
	assert.True(t, h.EngineAvailable)
	assert.Equal(t, 2, h.PendingTasks)

	m.StartMonitoring()
	defer m.StopMonitoring()
	assert.True(t, m.Health().WorkerRunning)
}

func TestHealth_NeverPanicsWithoutEngine(t *testing.T) {
	m := NewManager(newMemoryStore(), nil)

	h := m.Health()
	assert.False(t, h.WorkerRunning)
	assert.False(t, h.EngineAvailable)
	assert.Zero(t, h.QueueDepth)
}

func TestStats_CountsDuplicatesAndSizes(t *testing.T) {
	store := newMemoryStore()
	now := time.Now().UTC()
	size := int64(1000)
	completed := now
	require.NoError(t, store.Create(context.Background(), &Task{
		ID: "a", Text: "x", TextHash: "h1", Status: StatusQueued, CreatedAt: now,
	}))
	store.tasks["b"] = &Task{
		ID: "b", Text: "x", TextHash: "h1", Status: StatusCompleted,
		CreatedAt: now, CompletedAt: &completed, FileSize: &size,
	}

	m := NewManager(store, newFakeEngine())
	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.DuplicateTexts)
	assert.Equal(t, float64(1000), stats.AverageFileSize)
	assert.Equal(t, 1, stats.StatusCounts[StatusQueued])
}
