package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Pruner deletes monitoring rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob prunes old monitoring rows on a cron schedule.
type RetentionJob struct {
	store     Pruner
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
	now       func() time.Time
}

// NewRetentionJob validates schedule and prepares the job.
func NewRetentionJob(store Pruner, schedule string, retention time.Duration, logger *slog.Logger) (*RetentionJob, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	j := &RetentionJob{
		store:     store,
		retention: retention,
		logger:    logger.With("component", "monitoring-retention"),
		cron:      cron.New(cron.WithParser(cronParser)),
		now:       time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce prunes immediately.
func (j *RetentionJob) RunOnce(ctx context.Context) int64 {
	cutoff := j.now().Add(-j.retention)
	n, err := j.store.Prune(ctx, cutoff)
	if err != nil {
		j.logger.Error("prune failed", "error", err)
		return n
	}
	if n > 0 {
		j.logger.Info("pruned monitoring rows", "rows", n, "cutoff", cutoff)
	}
	return n
}

// Start runs the schedule in the background.
func (j *RetentionJob) Start() {
	j.cron.Start()
}

// Stop stops the schedule and waits for a running prune to finish.
func (j *RetentionJob) Stop() {
	<-j.cron.Stop().Done()
}
