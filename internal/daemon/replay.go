package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"

	"github.com/msageha/imewatch/internal/events"
	"github.com/msageha/imewatch/internal/logging"
	"github.com/msageha/imewatch/internal/logsource"
	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/rules"
	"github.com/msageha/imewatch/internal/tracker"
)

// ReplayOptions describe an offline run over captured logs.
type ReplayOptions struct {
	LogDir    string
	Patterns  []string
	RulesFile string
	MatchLog  string

	// Speed > 0 paces lines by their timestamps.
	Speed    float64
	MaxDelay time.Duration

	Logger *logging.Logger
}

// Replay feeds every existing line under LogDir through a fresh tracker
// without a checkpoint and writes the resulting lifecycle events to w as
// JSON lines. It returns the final tracker snapshot.
func Replay(ctx context.Context, opts ReplayOptions, w io.Writer) (tracker.Snapshot, error) {
	rs, _, err := rules.LoadFile(opts.RulesFile)
	if err != nil {
		return tracker.Snapshot{}, err
	}
	patterns := opts.Patterns
	if len(patterns) == 0 {
		patterns = model.DefaultLogPatterns
	}

	bus := events.NewBus(1024)
	enc := json.NewEncoder(w)
	var writeErr error
	bus.SubscribeDurable(func(ev events.Event) {
		if writeErr == nil {
			writeErr = enc.Encode(events.NewRecord(ev))
		}
	})
	emitter := events.NewEmitter(bus)

	t := tracker.New(tracker.Options{
		LogDir:              opts.LogDir,
		Patterns:            patterns,
		MatchLogPath:        opts.MatchLog,
		CurrentPhaseAtStart: true,
		Simulation: tracker.Simulation{
			Enabled:  opts.Speed > 0,
			Speed:    opts.Speed,
			MaxDelay: opts.MaxDelay,
		},
		Callbacks: tracker.Callbacks{
			AgentStarted:         emitter.AgentStarted,
			AgentVersion:         emitter.AgentVersion,
			PhaseChanged:         emitter.PhaseChanged,
			PoliciesDiscovered:   emitter.PoliciesDiscovered,
			AllAppsCompleted:     emitter.AllAppsCompleted,
			UserSessionCompleted: emitter.UserSessionCompleted,
			AppStateChanged:      emitter.AppStateChanged,
		},
		Logger: opts.Logger,
	})
	log := opts.Logger.With("replay")
	for _, err := range t.Recompile(rs) {
		log.Warnf("rule skipped: %v", err)
	}

	var runErr error
	prev := consumed(t.Snapshot().Offsets)
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := t.RunCycle(ctx); err != nil {
			runErr = err
			break
		}
		cur := consumed(t.Snapshot().Offsets)
		if cur == prev {
			break
		}
		prev = cur
	}

	bus.Close()
	snap := t.Snapshot()
	if runErr != nil {
		return snap, fmt.Errorf("replay: %w", runErr)
	}
	if writeErr != nil {
		return snap, fmt.Errorf("write events: %w", writeErr)
	}
	return snap, nil
}

func consumed(offsets map[string]logsource.FileOffset) int64 {
	var n int64
	for _, o := range offsets {
		n += o.Offset
	}
	return n
}
