package tracker

import "github.com/msageha/imewatch/internal/model"

// detectPhase applies a phase marker. Unknown names are dropped silently and
// a lower rank than the stored one is discarded.
func (t *Tracker) detectPhase(name string) {
	phase, rank, ok := model.LookupPhase(name)
	if !ok {
		return
	}
	if rank < t.phaseRank {
		t.log.Debugf("ignoring %s marker, already at %s", phase, t.lastPhase)
		return
	}

	if t.enteringNewPhase(phase, rank) {
		apps, seen := t.store.Len(), len(t.store.Seen())
		promoted := t.store.ClearAndIgnore()
		t.allCompletedFired = false
		t.log.Infof("phase %s -> %s: cleared %d apps, %d seen ids, %d newly ignored",
			t.lastPhase, phase, apps, seen, promoted)
	}
	if t.lastPhase != phase || t.phaseRank != rank {
		t.lastPhase, t.phaseRank = phase, rank
		t.dirty = true
	}
	t.selectRules(true, false)

	if t.cb.PhaseChanged != nil {
		t.cb.PhaseChanged(phase)
	}
}

// enteringNewPhase decides whether the sweep runs. Before any phase was
// recorded only the account phase sweeps: whatever was tracked so far
// belonged to device setup.
func (t *Tracker) enteringNewPhase(phase string, rank int) bool {
	if t.lastPhase == "" {
		return rank > model.RankDevice
	}
	return t.lastPhase != phase
}

// selectRules re-selects the active rules. A real flag change clears the
// current app and, when entering current-phase mode, the pacing anchor.
func (t *Tracker) selectRules(current, force bool) {
	if !t.selector.Select(current, force) {
		return
	}
	t.store.SetCurrent("")
	if current {
		t.pacer.Reset()
	}
	t.dirty = true
}
