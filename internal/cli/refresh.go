package cli

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/agentworkforce/schoolsync/internal/config"
)

type refresher interface {
	Refresh(ctx context.Context) error
}

type feedKeeper interface {
	refresher
	FeedOpen() bool
	OpenChangeFeed(ctx context.Context) error
}

// periodicRefresh re-fetches the whole collection every interval, jittered by
// ratio, until ctx ends. Individual failures are logged and the loop goes on.
func periodicRefresh(ctx context.Context, target refresher, interval time.Duration, ratio float64, timeout time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	run := func() {
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := target.Refresh(runCtx); err != nil {
			logger.Warn("periodic refresh failed", "error", err)
			return
		}
		logger.Debug("periodic refresh completed")
	}

	timer := time.NewTimer(jitteredIntervalWithSample(interval, ratio, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("periodic refresh stopping", "reason", ctx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, ratio, rng.Float64()))
		}
	}
}

// superviseFeed checks every interval, jittered by ratio, that the change feed
// is still open. A closed feed is reopened and followed by a full refresh so
// changes missed while it was down are picked up.
func superviseFeed(ctx context.Context, target feedKeeper, interval time.Duration, ratio float64, timeout time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	check := func() {
		if target.FeedOpen() {
			return
		}
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		logger.Warn("change feed closed, reopening")
		if err := target.OpenChangeFeed(runCtx); err != nil {
			logger.Warn("change feed reopen failed", "error", err)
			return
		}
		if err := target.Refresh(runCtx); err != nil {
			logger.Warn("refresh after feed reopen failed", "error", err)
			return
		}
		logger.Info("change feed reopened")
	}

	timer := time.NewTimer(jitteredIntervalWithSample(interval, ratio, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			check()
			timer.Reset(jitteredIntervalWithSample(interval, ratio, rng.Float64()))
		}
	}
}

// jitteredIntervalWithSample spreads base by up to ±ratio, where sample in
// [0,1] picks the point in that range.
func jitteredIntervalWithSample(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = config.ClampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
