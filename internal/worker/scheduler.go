package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Engine interface {
	Recover(ctx context.Context) error
	Trigger() bool
	Wait()
}

type Scanner interface {
	Scan(ctx context.Context) (int, error)
}

// Run recovers the queue, starts a cycle, then on every tick ingests the spool
// (when ingest is non-nil) and triggers the engine. It returns once ctx is done
// and the running cycle has finished.
func Run(ctx context.Context, logger *zap.Logger, engine Engine, ingest Scanner, interval time.Duration) {
	if err := engine.Recover(ctx); err != nil {
		logger.Error("recover interrupted transfers", zap.Error(err))
	}
	defer engine.Wait()

	tick := func() {
		if ingest != nil {
			n, err := ingest.Scan(ctx)
			if err != nil {
				logger.Warn("spool scan", zap.Error(err))
			}
			if n > 0 {
				logger.Info("ingested spooled files", zap.Int("count", n))
			}
		}
		if engine.Trigger() {
			logger.Debug("sync cycle started")
		}
	}
	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
