package tasks

import (
	"context"
	"time"

	"github.com/coachpo/last-whisper-backend/pkg/log"
)

// CleanupFailed removes failed tasks whose failure is older than the given
// age and reports how many rows were removed. Best effort: storage errors
// are logged, not returned.
func (m *Manager) CleanupFailed(ctx context.Context, olderThan time.Duration) int64 {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed, err := m.store.DeleteFailedBefore(ctx, cutoff)
	if err != nil {
		log.Error("Failed task cleanup aborted: %v", err)
		return 0
	}
	log.Info("Cleaned up %d old failed tasks", removed)
	return removed
}

// PurgeOrphans removes completed tasks that no item owns and that are
// older than the given age. Tasks with an owning item are never touched.
// A row that refuses to delete is skipped and logged; the sweep continues.
func (m *Manager) PurgeOrphans(ctx context.Context, olderThan time.Duration) int64 {
	cutoff := time.Now().UTC().Add(-olderThan)
	ids, err := m.store.OrphanedCompletedBefore(ctx, cutoff)
	if err != nil {
		log.Error("Orphan purge aborted: %v", err)
		return 0
	}

	var removed int64
	for _, id := range ids {
		if err := m.store.Delete(ctx, id); err != nil {
			log.Warn("Skipping orphaned task %s: %v", id, err)
			continue
		}
		removed++
	}
	log.Info("Cleaned up %d orphaned completed tasks", removed)
	return removed
}
