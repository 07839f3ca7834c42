package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coachpo/last-whisper-backend/internal/config"
	"github.com/coachpo/last-whisper-backend/pkg/icron"
	"github.com/coachpo/last-whisper-backend/pkg/log"
	"github.com/robfig/cron/v3"
)

// Maintainer is the slice of the task manager the sweep needs.
type Maintainer interface {
	CleanupFailed(ctx context.Context, olderThan time.Duration) int64
	PurgeOrphans(ctx context.Context, olderThan time.Duration) int64
}

type maintenanceService struct {
	cfg      config.MaintenanceConfig
	cronExpr string
	cron     *cron.Cron
	tasks    Maintainer
}

func NewRunnableMaintenanceService(
	cfg config.MaintenanceConfig,
	cron *cron.Cron,
	tasks Maintainer,
) maintenanceService {
	return maintenanceService{
		cfg:      cfg,
		cronExpr: cfg.CronExpr,
		cron:     cron,
		tasks:    tasks,
	}
}

var singleflightGroup singleflight.Group

func (s maintenanceService) Schedule(
	ctx context.Context,
) error {
	log.Info("Run MaintenanceService")

	runFunc := func() {
		_, _, _ = singleflightGroup.Do("run", func() (any, error) {
			s.run(ctx)
			return nil, nil
		})
	}
	if _, err := s.cron.AddFunc(s.cronExpr, runFunc); err != nil {
		return err
	}

	if info, err := icron.GetTriggerInfo(s.cronExpr, time.Now()); err == nil {
		log.Info("Maintenance scheduled, next run at %s (in %s)",
			info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

func (s maintenanceService) run(ctx context.Context) {
	removed := s.tasks.CleanupFailed(ctx, s.cfg.FailedRetention)
	purged := s.tasks.PurgeOrphans(ctx, s.cfg.OrphanRetention)
	log.Info("Maintenance sweep done: %d failed tasks removed, %d orphans purged", removed, purged)
}
