package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/config"
)

type RequestExpirer interface {
	ExpireStale(ctx context.Context, expiry time.Duration) (int, error)
}

// StartRequestExpiryJob periodically auto-rejects pending switch requests
// older than cfg.DeviceSwitchRequestExpiry. It returns immediately; the
// ticker goroutine stops with ctx.
func StartRequestExpiryJob(ctx context.Context, cfg config.Config, expirer RequestExpirer, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DeviceSwitchRequestExpiry <= 0 {
		log.Info("request expiry job disabled")
		return
	}
	if expirer == nil {
		log.Warn("request expiry job disabled: no expirer configured")
		return
	}
	interval := cfg.RequestExpiryJobInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	timeout := cfg.RequestExpiryJobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runExpiry(ctx, expirer, cfg.DeviceSwitchRequestExpiry, timeout, log)
			}
		}
	}()
}

func runExpiry(ctx context.Context, expirer RequestExpirer, expiry, timeout time.Duration, log *zap.Logger) {
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := expirer.ExpireStale(tickCtx, expiry)
	if err != nil {
		log.Error("request expiry job error", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("request expiry job expired requests", zap.Int("count", n))
	}
}
