package grants

import (
	"context"
	"time"

	"go.uber.org/zap"

	"godwit.dev/identity/internal/obs"
)

const defaultCleanupBatch = 100

// Cleaner periodically removes expired grants.
type Cleaner struct {
	store    Store
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewCleaner(store Store, interval time.Duration, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		store:    store,
		interval: interval,
		batch:    defaultCleanupBatch,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	if c.interval <= 0 {
		c.logger.Info("grant cleanup disabled")
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("grant cleanup failed", zap.Error(err))
			}
		}
	}
}

// Sweep removes expired grants batch by batch until a short batch is seen.
func (c *Cleaner) Sweep(ctx context.Context) (int64, error) {
	var total int64
	now := c.now()
	for {
		n, err := c.store.RemoveExpired(ctx, now, c.batch)
		total += n
		obs.GrantsRemoved.Add(float64(n))
		if err != nil {
			return total, err
		}
		if n < int64(c.batch) {
			break
		}
	}
	if total > 0 {
		c.logger.Debug("expired grants removed", zap.Int64("count", total))
	}
	return total, nil
}
