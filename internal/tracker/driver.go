package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/msageha/imewatch/internal/logging"
)

// ErrJoinTimeout is returned by Stop when the polling goroutine did not exit
// in time. No final checkpoint is written in that case.
var ErrJoinTimeout = errors.New("poll loop did not stop in time")

// Driver runs Tracker.RunCycle on one background goroutine.
type Driver struct {
	tracker     *Tracker
	interval    time.Duration
	backoff     time.Duration
	joinTimeout time.Duration
	log         *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDriver(t *Tracker, interval, backoff, joinTimeout time.Duration, logger *logging.Logger) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	if joinTimeout <= 0 {
		joinTimeout = 10 * time.Second
	}
	return &Driver{
		tracker:     t,
		interval:    interval,
		backoff:     backoff,
		joinTimeout: joinTimeout,
		log:         logger.With("driver"),
	}
}

// Start launches the loop. It reports false if the loop is already running.
func (d *Driver) Start(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done
	go d.loop(ctx, done)
	d.log.Infof("polling every %s", d.interval)
	return true
}

// Running reports whether a loop has been started and not stopped.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done != nil
}

// Stop cancels the loop, waits for it and writes a final checkpoint.
// Calling Stop on a stopped driver does nothing.
func (d *Driver) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-time.After(d.joinTimeout):
		d.log.Warnf("poll loop still running after %s, skipping final checkpoint", d.joinTimeout)
		return ErrJoinTimeout
	}
	if err := d.tracker.Flush(); err != nil {
		return err
	}
	d.log.Infof("polling stopped")
	return nil
}

func (d *Driver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := d.interval
		if err := d.tracker.RunCycle(ctx); err != nil {
			d.log.Errorf("poll cycle failed: %v; retrying in %s", err, d.backoff)
			wait = d.backoff
		}
		timer.Reset(wait)
	}
}
