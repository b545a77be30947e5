package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type revocationPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startRevocationPurgeWorker drops revocation records whose tokens have
// expired anyway. The returned stop func blocks until the worker exits.
func startRevocationPurgeWorker(ctx context.Context, logger *slog.Logger, store revocationPurger, interval time.Duration) func() {
	return startRevocationPurgeWorkerWithTicker(ctx, logger, store, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRevocationPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store revocationPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				purged, err := store.PurgeExpired(workerCtx)
				if err != nil {
					if logger != nil {
						logger.Error("failed to purge expired revocations", "error", err)
					}
					continue
				}
				if purged > 0 && logger != nil {
					logger.Debug("purged expired revocations", "count", purged)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
