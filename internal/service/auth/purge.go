package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zhouzirui/haven/backend/internal/metrics"
	"github.com/zhouzirui/haven/backend/internal/store"
)

// PurgeJob drops revocation entries whose tokens have expired.
type PurgeJob struct {
	revoked store.RevocationStore
	timeout time.Duration
	logger  *zap.Logger
}

func NewPurgeJob(revoked store.RevocationStore, logger *zap.Logger) *PurgeJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurgeJob{revoked: revoked, timeout: 30 * time.Second, logger: logger.Named("revocation-purge")}
}

// Run implements cron.Job.
func (j *PurgeJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	purged, err := j.revoked.PurgeExpiredTokens(ctx, time.Now())
	if err != nil {
		j.logger.Warn("purge expired revocations failed", zap.Error(err))
		return
	}
	metrics.RevokedTokensPurged.Add(float64(purged))
	if purged > 0 {
		j.logger.Info("purged expired revocations", zap.Int("count", purged))
	}
}

// Schedule registers the job on a new cron scheduler. The caller starts and stops it.
func (j *PurgeJob) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddJob(spec, j); err != nil {
		return nil, fmt.Errorf("schedule revocation purge %q: %w", spec, err)
	}
	return c, nil
}
