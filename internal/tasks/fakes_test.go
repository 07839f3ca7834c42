package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type fakeEngine struct {
	mu         sync.Mutex
	submits    []string
	nextID     int
	failSubmit bool

	messages chan StatusMessage
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{messages: make(chan StatusMessage, 16)}
}

func (e *fakeEngine) Submit(_ context.Context, text, _, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSubmit {
		return "", errors.New("synthesis backend down")
	}
	e.submits = append(e.submits, text)
	e.nextID++
	return fmt.Sprintf("req-%d", e.nextID), nil
}

func (e *fakeEngine) Messages() <-chan StatusMessage {
	return e.messages
}

func (e *fakeEngine) submitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.submits)
}

func (e *fakeEngine) push(msg StatusMessage) {
	e.messages <- msg
}

type memoryStore struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	failDelete map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tasks:      make(map[string]*Task),
		failDelete: make(map[string]bool),
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	tmp := *task
	return &tmp
}

func (s *memoryStore) Create(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.TextHash == task.TextHash &&
			(existing.Status == StatusQueued || existing.Status == StatusProcessing) {
			return ErrDuplicateInFlight
		}
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *memoryStore) GetByID(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func statusRank(status Status) int {
	switch status {
	case StatusCompleted:
		return 0
	case StatusProcessing:
		return 1
	case StatusQueued:
		return 2
	default:
		return 3
	}
}

func (s *memoryStore) GetByHash(_ context.Context, hash string) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Task
	for _, task := range s.tasks {
		if task.TextHash != hash || task.Status == StatusFailed {
			continue
		}
		if best == nil ||
			statusRank(task.Status) < statusRank(best.Status) ||
			(statusRank(task.Status) == statusRank(best.Status) && task.CreatedAt.After(best.CreatedAt)) {
			best = task
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return cloneTask(best), true, nil
}

func (s *memoryStore) List(_ context.Context, status Status, limit int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if status != "" && task.Status != status {
			continue
		}
		ret = append(ret, cloneTask(task))
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func (s *memoryStore) MarkProcessing(_ context.Context, id string, update ProcessingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	started := update.StartedAt
	task.Status = StatusProcessing
	task.StartedAt = &started
	task.Device = update.Device
	task.Metadata = update.Metadata
	return nil
}

func (s *memoryStore) MarkCompleted(_ context.Context, id string, update CompletedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	completed := update.CompletedAt
	task.Status = StatusCompleted
	task.CompletedAt = &completed
	task.OutputPath = update.OutputPath
	task.FileSize = update.FileSize
	task.SamplingRate = update.SamplingRate
	task.Device = update.Device
	task.Metadata = update.Metadata
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, id string, update FailedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	failed := update.FailedAt
	task.Status = StatusFailed
	task.FailedAt = &failed
	task.ErrorMessage = update.ErrorMessage
	task.Device = update.Device
	task.Metadata = update.Metadata
	return nil
}

func (s *memoryStore) AttachItem(_ context.Context, id string, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.ItemID = &itemID
	return nil
}

func (s *memoryStore) DeleteFailedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, task := range s.tasks {
		if task.Status == StatusFailed && task.FailedAt != nil && task.FailedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) OrphanedCompletedBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for id, task := range s.tasks {
		if task.Status == StatusCompleted && task.ItemID == nil &&
			task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete[id] {
		return errors.New("constraint violation")
	}
	delete(s.tasks, id)
	return nil
}

func (s *memoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (s *memoryStore) Stats(_ context.Context) (*Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &Statistics{StatusCounts: make(map[Status]int)}
	var sizeSum int64
	var sizeCount int
	hashes := make(map[string]int)
	for _, task := range s.tasks {
		stats.TotalTasks++
		stats.StatusCounts[task.Status]++
		hashes[task.TextHash]++
		if task.Status == StatusCompleted && task.FileSize != nil {
			sizeSum += *task.FileSize
			sizeCount++
		}
	}
	if sizeCount > 0 {
		stats.AverageFileSize = float64(sizeSum) / float64(sizeCount)
	}
	for _, n := range hashes {
		if n > 1 {
			stats.DuplicateTexts++
		}
	}
	return stats, nil
}
