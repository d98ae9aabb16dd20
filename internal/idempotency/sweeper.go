package idempotency

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exportcore/pkg/domain"
)

// Sweeper deletes expired idempotency records.
type Sweeper struct {
	store    domain.IdempotencyStore
	interval time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewSweeper returns a Sweeper running every interval.
func NewSweeper(store domain.IdempotencyStore, interval time.Duration, logger logrus.FieldLogger) *Sweeper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep removes every record expired now and reports how many went.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "delete expired idempotency records")
	}
	return n, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.WithError(err).Warn("idempotency sweep failed")
				continue
			}
			if n > 0 {
				s.logger.WithField("deleted", n).Info("expired idempotency records removed")
			}
		}
	}
}
