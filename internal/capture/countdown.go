package capture

import (
	"context"
	"time"

	"github.com/banshee-data/scg.report/internal/timeutil"
)

// Countdown calls onTick with n, n-1, ..., 1 one second apart and returns
// after the final second has elapsed. It returns ctx.Err() if cancelled
// first. n <= 0 returns immediately.
func Countdown(ctx context.Context, clock timeutil.Clock, n int, onTick func(remaining int)) error {
	if n <= 0 {
		return nil
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	for remaining := n; remaining > 0; remaining-- {
		if onTick != nil {
			onTick(remaining)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
	return nil
}
