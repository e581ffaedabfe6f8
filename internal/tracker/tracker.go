// Package tracker turns appended log lines into app installation state.
//
// A Tracker owns every piece of mutable state and is driven by exactly one
// goroutine (see Driver). Only Recompile and Snapshot may be called from
// other goroutines.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/msageha/imewatch/internal/appstate"
	"github.com/msageha/imewatch/internal/checkpoint"
	"github.com/msageha/imewatch/internal/logging"
	"github.com/msageha/imewatch/internal/logsource"
	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/rules"
)

// Callbacks run synchronously on the polling goroutine. Nil members are
// skipped. Implementations must return quickly.
type Callbacks struct {
	AgentStarted         func()
	AgentVersion         func(version string)
	PhaseChanged         func(phase string)
	PoliciesDiscovered   func(raw string)
	AllAppsCompleted     func()
	UserSessionCompleted func()
	AppStateChanged      func(app model.App, from, to model.InstallState)
}

// Simulation paces replayed lines by their original timestamps.
type Simulation struct {
	Enabled  bool
	Speed    float64
	MaxDelay time.Duration
}

type Options struct {
	LogDir   string
	Patterns []string

	// CheckpointDir disables persistence when empty.
	CheckpointDir                string
	DeleteCheckpointOnCompletion bool

	// MatchLogPath receives "[file] [pattern-id] line" for every match.
	MatchLogPath string

	CurrentPhaseAtStart bool
	Simulation          Simulation
	Callbacks           Callbacks
	Logger              *logging.Logger
}

// Snapshot is a read-only copy of tracker state published after each cycle.
type Snapshot struct {
	Phase             string                          `json:"phase,omitempty"`
	PhaseRank         int                             `json:"phase_rank"`
	CurrentPhase      bool                            `json:"current_phase"`
	AllCompleted      bool                            `json:"all_completed"`
	AllCompletedFired bool                            `json:"all_completed_fired"`
	CurrentApp        string                          `json:"current_app,omitempty"`
	Apps              []model.App                     `json:"apps"`
	Ignored           int                             `json:"ignored"`
	Seen              int                             `json:"seen"`
	RulesVersion      uint64                          `json:"rules_version"`
	Rules             int                             `json:"rules"`
	Offsets           map[string]logsource.FileOffset `json:"offsets,omitempty"`
	Cycles            uint64                          `json:"cycles"`
	Matches           uint64                          `json:"matches"`
	LastCycle         time.Time                       `json:"last_cycle,omitempty"`
	LastError         string                          `json:"last_error,omitempty"`
	Persistence       bool                            `json:"persistence"`
}

type Tracker struct {
	opts     Options
	cb       Callbacks
	log      *logging.Logger
	reader   *logsource.Reader
	selector *rules.Selector
	store    *appstate.Store
	ckpt     *checkpoint.Store
	matchLog *matchLog
	pacer    *pacer

	phaseRank         int
	lastPhase         string
	allCompletedFired bool

	dirty           bool
	persistDisabled bool
	lineErr         error
	cycles          uint64
	matches         uint64

	snapshot atomic.Pointer[Snapshot]
}

// New builds a tracker and restores the checkpoint when one exists.
func New(opts Options) *Tracker {
	logger := opts.Logger.With("tracker")
	t := &Tracker{
		opts:     opts,
		cb:       opts.Callbacks,
		log:      logger,
		reader:   logsource.NewReader(opts.LogDir, opts.Patterns, opts.Logger),
		selector: rules.NewSelector(),
		store:    appstate.New(),
		matchLog: newMatchLog(opts.MatchLogPath),
		pacer:    newPacer(opts.Simulation),
	}
	if opts.CheckpointDir != "" {
		t.ckpt = checkpoint.NewStore(opts.CheckpointDir, opts.Logger)
	}
	t.restore()
	t.publishSnapshot(nil)
	return t
}

// Recompile compiles rs and atomically publishes the result. The polling
// goroutine picks it up on the next line. Safe for concurrent use.
func (t *Tracker) Recompile(rs []model.Rule) []error {
	set, errs := rules.Compile(rs)
	for _, err := range errs {
		t.log.Warnf("skipping rule: %v", err)
	}
	v := t.selector.Publish(set)
	t.log.Infof("rules compiled: version=%d active=%d skipped=%d", v, set.Len(), len(errs))
	return errs
}

// Snapshot returns the state published at the end of the latest cycle.
// Safe for concurrent use.
func (t *Tracker) Snapshot() Snapshot {
	return *t.snapshot.Load()
}

// RunCycle reads every log source once, dispatches matches and persists the
// checkpoint if anything changed. Panics are converted into errors.
func (t *Tracker) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panic: %v", r)
		}
		t.cycles++
		t.publishSnapshot(err)
	}()

	t.lineErr = nil
	if t.reader.Scan(ctx, func(file, raw string) bool {
		return t.processLine(ctx, file, raw)
	}) {
		t.dirty = true
	}
	_ = t.persist()
	return t.lineErr
}

// Flush writes the checkpoint if state is dirty.
func (t *Tracker) Flush() error {
	return t.persist()
}

// DeleteCheckpoint removes the checkpoint and stops further saves, so the
// next enrollment starts clean.
func (t *Tracker) DeleteCheckpoint() {
	if t.ckpt == nil {
		return
	}
	t.persistDisabled = true
	if err := t.ckpt.Delete(); err != nil {
		t.log.Warnf("%v", err)
		return
	}
	t.log.Infof("checkpoint deleted, persistence disabled")
}

// processLine dispatches one line. A panic while handling it is logged and
// the line counts as consumed. The cycle reports the first such panic as its
// error.
func (t *Tracker) processLine(ctx context.Context, file, raw string) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("line skipped after panic file=%s: %v: %q", file, r, raw)
			if t.lineErr == nil {
				t.lineErr = fmt.Errorf("poll cycle panic: %v", r)
			}
			t.dirty = true
			consumed = true
		}
	}()

	line := logsource.ParseLine(raw)
	if strings.TrimSpace(line.Message) == "" {
		return true
	}
	if err := t.pacer.Wait(ctx, line); err != nil {
		return false
	}

	for _, m := range t.selector.Active() {
		groups, ok := m.Match(line.Message)
		if !ok {
			continue
		}
		t.matches++
		t.matchLog.Record(file, m.ID, raw)
		t.dispatch(&match{rule: m, groups: groups, message: line.Message, file: file})
	}
	return true
}

func (t *Tracker) persist() error {
	if t.ckpt == nil || t.persistDisabled || !t.dirty {
		return nil
	}
	if err := t.ckpt.Save(t.checkpoint()); err != nil {
		t.log.Warnf("%v", err)
		return err
	}
	t.dirty = false
	return nil
}

func (t *Tracker) checkpoint() *checkpoint.Checkpoint {
	st := t.store.Export()
	return &checkpoint.Checkpoint{
		PhaseRank:         t.phaseRank,
		LastPhase:         t.lastPhase,
		CurrentPhase:      t.selector.IsCurrent(),
		AllCompletedFired: t.allCompletedFired,
		CurrentApp:        st.Current,
		Apps:              st.Apps,
		Ignored:           st.Ignored,
		Seen:              st.Seen,
		Offsets:           t.reader.Offsets(),
	}
}

func (t *Tracker) restore() {
	current := t.opts.CurrentPhaseAtStart
	defer func() { t.selectRules(current, true) }()

	if t.ckpt == nil {
		return
	}
	cp, err := t.ckpt.Load()
	if err != nil {
		t.log.Warnf("%v; starting fresh", err)
		return
	}
	if cp == nil {
		t.log.Infof("no checkpoint, starting fresh")
		return
	}

	t.phaseRank = cp.PhaseRank
	t.lastPhase = cp.LastPhase
	t.allCompletedFired = cp.AllCompletedFired
	current = cp.CurrentPhase
	t.store.Restore(appstate.State{
		Apps:    cp.Apps,
		Ignored: cp.Ignored,
		Seen:    cp.Seen,
		Current: cp.CurrentApp,
	})
	t.reader.SetOffsets(cp.Offsets)
	t.log.Infof("checkpoint restored: phase=%q apps=%d ignored=%d files=%d",
		cp.LastPhase, t.store.Len(), len(cp.Ignored), len(cp.Offsets))
}

func (t *Tracker) publishSnapshot(cycleErr error) {
	set := t.selector.Current()
	snap := &Snapshot{
		Phase:             t.lastPhase,
		PhaseRank:         t.phaseRank,
		CurrentPhase:      t.selector.IsCurrent(),
		AllCompleted:      t.store.IsAllCompleted(),
		AllCompletedFired: t.allCompletedFired,
		CurrentApp:        t.store.Current(),
		Apps:              t.store.Apps(),
		Ignored:           len(t.store.Ignored()),
		Seen:              len(t.store.Seen()),
		RulesVersion:      set.Version,
		Rules:             set.Len(),
		Offsets:           t.reader.Offsets(),
		Cycles:            t.cycles,
		Matches:           t.matches,
		Persistence:       t.ckpt != nil && !t.persistDisabled,
	}
	if t.cycles > 0 {
		snap.LastCycle = time.Now()
	}
	if cycleErr != nil {
		snap.LastError = cycleErr.Error()
	}
	t.snapshot.Store(snap)
}
