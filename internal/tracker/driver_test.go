package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/imewatch/internal/checkpoint"
	"github.com/msageha/imewatch/internal/model"
)

func TestDriver_StartStopIdempotent(t *testing.T) {
	h := newHarness(t, standardRules(), nil)
	h.opts.CheckpointDir = h.stateDir
	h = h.reopen(standardRules())
	h.lines("Installed: " + app1)

	d := NewDriver(h.tr, 10*time.Millisecond, 10*time.Millisecond, time.Second, nil)
	require.True(t, d.Start(context.Background()))
	assert.False(t, d.Start(context.Background()))
	assert.True(t, d.Running())

	require.Eventually(t, func() bool { return h.tr.Snapshot().Cycles >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.False(t, d.Running())

	cp, err := checkpoint.NewStore(h.stateDir, nil).Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Len(t, cp.Apps, 1)
	assert.Equal(t, model.StateInstalled, cp.Apps[0].State)

	// restartable after a stop
	require.True(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())
}

func TestDriver_FailedCycleBacksOffAndContinues(t *testing.T) {
	h := newHarness(t, standardRules(), func(o *Options) {
		o.Callbacks.AgentStarted = func() { panic("callback exploded") }
	})
	h.lines("IME Agent Started")

	d := NewDriver(h.tr, time.Millisecond, 20*time.Millisecond, time.Second, nil)
	require.True(t, d.Start(context.Background()))
	defer func() { _ = d.Stop() }()

	require.Eventually(t, func() bool {
		s := h.tr.Snapshot()
		return s.Cycles >= 2 && s.LastError != ""
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.tr.Snapshot().LastError, "callback exploded")
}

func TestDriver_StopTimesOutOnBlockedCycle(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := newHarness(t, standardRules(), func(o *Options) {
		o.Callbacks.AgentStarted = func() {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
	})
	h.lines("IME Agent Started")

	d := NewDriver(h.tr, time.Millisecond, time.Millisecond, 50*time.Millisecond, nil)
	require.True(t, d.Start(context.Background()))
	<-entered

	assert.ErrorIs(t, d.Stop(), ErrJoinTimeout)
	assert.False(t, d.Running())
	close(release)
}

func TestDriver_ParentContextStopsLoop(t *testing.T) {
	h := newHarness(t, standardRules(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	d := NewDriver(h.tr, time.Millisecond, time.Millisecond, time.Second, nil)
	require.True(t, d.Start(ctx))
	cancel()
	require.NoError(t, d.Stop())
}
