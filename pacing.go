package bulkmail

import (
	"context"
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"
)

// Pacer enforces the wait between two sends of a batch. The wait is an
// explicit deadline advanced by clock timers, so it can be cancelled through
// the context and driven by a fake clock in tests.
type Pacer struct {
	clock    clock.Clock
	interval time.Duration
	tick     time.Duration
}

// NewPacer creates a pacer. A nil clock means the real clock.
func NewPacer(config PacingConfig, clk clock.Clock) *Pacer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	tick := config.Tick
	if tick <= 0 || tick > config.Interval {
		tick = config.Interval
	}
	return &Pacer{
		clock:    clk,
		interval: config.Interval,
		tick:     tick,
	}
}

// Interval returns the configured wait.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait suspends until the interval has elapsed. onTick, when not nil, is
// called at the start of every tick with the time remaining.
func (p *Pacer) Wait(ctx context.Context, onTick func(remaining time.Duration)) error {
	if p.interval <= 0 {
		return nil
	}

	deadline := p.clock.Now().Add(p.interval)
	for {
		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return nil
		}
		if onTick != nil {
			onTick(remaining)
		}

		timer := p.clock.NewTimer(min(p.tick, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// Estimate returns the total time spent waiting for a batch of n recipients.
func (p *Pacer) Estimate(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return time.Duration(n-1) * p.interval
}

// FormatEstimate renders d in whole minutes, e.g. "45 minutes" or "2 hours 5 minutes".
func FormatEstimate(d time.Duration) string {
	minutes := int(math.Ceil(d.Minutes()))
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	return fmt.Sprintf("%d hours %d minutes", minutes/60, minutes%60)
}

func wholeSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
