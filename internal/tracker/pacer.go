package tracker

import (
	"context"
	"time"

	"github.com/msageha/imewatch/internal/logsource"
)

// pacer delays replayed lines by the gap between their timestamps divided by
// speed, capped at maxDelay. Lines without a timestamp, or with one that does
// not move forward, are not delayed.
type pacer struct {
	enabled  bool
	speed    float64
	maxDelay time.Duration

	anchor    time.Time
	hasAnchor bool

	sleep func(ctx context.Context, d time.Duration) error
}

func newPacer(sim Simulation) *pacer {
	speed := sim.Speed
	if speed <= 0 {
		speed = 1
	}
	return &pacer{
		enabled:  sim.Enabled,
		speed:    speed,
		maxDelay: sim.MaxDelay,
		sleep:    sleepContext,
	}
}

func (p *pacer) Reset() {
	p.anchor = time.Time{}
	p.hasAnchor = false
}

func (p *pacer) Wait(ctx context.Context, line logsource.Line) error {
	if !p.enabled || !line.HasTime {
		return nil
	}
	if !p.hasAnchor || !line.Time.After(p.anchor) {
		p.anchor = line.Time
		p.hasAnchor = true
		return nil
	}

	d := time.Duration(float64(line.Time.Sub(p.anchor)) / p.speed)
	if p.maxDelay > 0 && d > p.maxDelay {
		d = p.maxDelay
	}
	if err := p.sleep(ctx, d); err != nil {
		return err
	}
	p.anchor = line.Time
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
