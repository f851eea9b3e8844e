package idempotency

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartPruning sweeps expired keys on a schedule. Stop the returned cron to
// end it.
func StartPruning(p Pruner, spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = "@every 1m"
	}
	sched := cron.New()
	_, err := sched.AddFunc(spec, func() {
		defer func() {
			if err := recover(); err != nil {
				zap.S().Error(err)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := p.Prune(ctx)
		if err != nil {
			zap.L().Warn("idempotency prune failed", zap.Error(err))
			return
		}
		if n > 0 {
			zap.L().Debug("idempotency keys pruned", zap.Int("count", n))
		}
	})
	if err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}
