package tracker

import (
	"strconv"
	"strings"

	"github.com/msageha/imewatch/internal/appstate"
	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/rules"
)

// Action names understood by dispatch. Matching is case-insensitive.
const (
	ActionIMEStarted               = "imestarted"
	ActionIMESessionChange         = "imesessionchange"
	ActionESPPhaseDetected         = "espphasedetected"
	ActionSetCurrentApp            = "setcurrentapp"
	ActionIMEAgentVersion          = "imeagentversion"
	ActionIMEImpersonation         = "imeimpersonation"
	ActionEnrollmentCompleted      = "enrollmentcompleted"
	ActionUserSessionCompleted     = "usersessioncompleted"
	ActionUpdateStateInstalled     = "updatestateinstalled"
	ActionUpdateStateDownloading   = "updatestatedownloading"
	ActionUpdateStateInstalling    = "updatestateinstalling"
	ActionUpdateStateSkipped       = "updatestateskipped"
	ActionUpdateStateError         = "updatestateerror"
	ActionUpdateStatePostponed     = "updatestatepostponed"
	ActionTrackStatus              = "trackstatus"
	ActionPoliciesDiscovered       = "policiesdiscovered"
	ActionIgnoreCurrentApp         = "ignorecurrentapp"
	ActionUpdateName               = "updatename"
	ActionUpdateWin32AppState      = "updatewin32appstate"
	ActionCancelStuckAndSetCurrent = "cancelstuckandsetcurrent"
)

// match carries one successful rule evaluation to its handler.
type match struct {
	rule    *rules.Matcher
	groups  map[string]string
	message string
	file    string
}

// value prefers a fixed rule parameter over a captured group.
func (m *match) value(key string) string {
	if v := m.rule.Params.Get(key); v != "" {
		return v
	}
	return strings.TrimSpace(m.groups[key])
}

type actionFunc func(t *Tracker, m *match)

var actions = map[string]actionFunc{
	ActionIMEStarted:               (*Tracker).onAgentStarted,
	ActionIMESessionChange:         (*Tracker).onSessionChange,
	ActionESPPhaseDetected:         (*Tracker).onPhaseDetected,
	ActionSetCurrentApp:            (*Tracker).onSetCurrentApp,
	ActionIMEAgentVersion:          (*Tracker).onAgentVersion,
	ActionIMEImpersonation:         (*Tracker).onImpersonation,
	ActionEnrollmentCompleted:      (*Tracker).onUserSessionCompleted,
	ActionUserSessionCompleted:     (*Tracker).onUserSessionCompleted,
	ActionUpdateStateInstalled:     stateSetter(model.StateInstalled),
	ActionUpdateStateDownloading:   (*Tracker).onDownloading,
	ActionUpdateStateInstalling:    (*Tracker).onInstalling,
	ActionUpdateStateSkipped:       stateSetter(model.StateSkipped),
	ActionUpdateStateError:         (*Tracker).onError,
	ActionUpdateStatePostponed:     (*Tracker).onPostponed,
	ActionTrackStatus:              (*Tracker).onTrackStatus,
	ActionPoliciesDiscovered:       (*Tracker).onPoliciesDiscovered,
	ActionIgnoreCurrentApp:         (*Tracker).onIgnoreCurrentApp,
	ActionUpdateName:               (*Tracker).onUpdateName,
	ActionUpdateWin32AppState:      (*Tracker).onWin32AppState,
	ActionCancelStuckAndSetCurrent: (*Tracker).onCancelStuckAndSetCurrent,
}

// KnownAction reports whether name is part of the dispatch vocabulary.
func KnownAction(name string) bool {
	_, ok := actions[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (t *Tracker) dispatch(m *match) {
	fn, ok := actions[m.rule.Action]
	if !ok {
		t.log.Warnf("rule %s: unknown action %q", m.rule.ID, m.rule.Action)
		return
	}
	fn(t, m)
}

// appID resolves the identifier a handler operates on and records it as seen.
func (t *Tracker) appID(m *match) string {
	var id string
	if m.rule.Params.Bool("useCurrentApp") {
		id = t.store.Current()
	} else {
		id = model.NormalizeID(m.groups[rules.IDGroup])
	}
	if id != "" {
		t.store.MarkSeen(id)
		t.dirty = true
	}
	return id
}

func (t *Tracker) onAgentStarted(m *match) {
	t.log.Infof("management extension started (%s)", m.rule.ID)
	if t.cb.AgentStarted != nil {
		t.cb.AgentStarted()
	}
}

func (t *Tracker) onSessionChange(m *match) {
	t.log.Infof("session change: %s", m.message)
}

func (t *Tracker) onImpersonation(m *match) {
	t.log.Infof("impersonation: %s", m.message)
}

func (t *Tracker) onAgentVersion(m *match) {
	v := m.value("version")
	if v == "" {
		t.log.Debugf("rule %s matched without a version", m.rule.ID)
		return
	}
	t.log.Infof("management extension version %s", v)
	if t.cb.AgentVersion != nil {
		t.cb.AgentVersion(v)
	}
}

func (t *Tracker) onPhaseDetected(m *match) {
	t.detectPhase(m.value("phase"))
}

func (t *Tracker) onUserSessionCompleted(m *match) {
	t.log.Infof("user session completed (%s)", m.rule.ID)
	if t.cb.UserSessionCompleted != nil {
		t.cb.UserSessionCompleted()
	}
	if t.opts.DeleteCheckpointOnCompletion {
		t.DeleteCheckpoint()
	}
}

func (t *Tracker) onSetCurrentApp(m *match) {
	id := t.appID(m)
	if id == "" || t.store.IsIgnored(id) {
		return
	}
	if t.store.Current() != id {
		t.store.SetCurrent(id)
		t.log.Debugf("current app -> %s", id)
	}
}

func stateSetter(state model.InstallState) actionFunc {
	return func(t *Tracker, m *match) {
		t.setState(t.appID(m), state, appstate.NoProgress)
	}
}

func (t *Tracker) onInstalling(m *match) {
	t.setState(t.appID(m), model.StateInstalling, parseInt(m.value("progress")))
}

func (t *Tracker) onDownloading(m *match) {
	id := t.appID(m)
	if !t.track(id) {
		return
	}
	prev, changed := t.store.UpdateStateToDownloading(id, parseInt64(m.groups["bytes"]), parseInt64(m.groups["total"]))
	if changed {
		t.stateChanged(id, prev, model.StateDownloading)
	}
}

func (t *Tracker) onError(m *match) {
	id := t.appID(m)
	if m.rule.Params.Bool("checkTo") && !strings.EqualFold(strings.TrimSpace(m.groups["to"]), string(model.StateError)) {
		return
	}
	t.markError(id, m)
}

func (t *Tracker) onPostponed(m *match) {
	id := t.appID(m)
	if app, ok := t.store.Get(id); ok && app.State.IsTerminal() {
		t.log.Debugf("%s already %s, not postponing", id, app.State)
		return
	}
	t.setState(id, model.StatePostponed, appstate.NoProgress)
}

func (t *Tracker) onTrackStatus(m *match) {
	id := t.appID(m)
	status := m.value("status")
	switch {
	case strings.EqualFold(status, "InProgress"):
		if id != "" && !t.store.IsIgnored(id) {
			t.store.SetCurrent(id)
		}
		t.setState(id, model.StateInstalling, appstate.NoProgress)
	case strings.EqualFold(status, "Completed"):
		t.setState(id, model.StateInstalled, appstate.NoProgress)
	case strings.EqualFold(status, "Error"):
		t.markError(id, m)
	default:
		t.log.Debugf("rule %s: unhandled status %q", m.rule.ID, status)
	}
}

func (t *Tracker) onPoliciesDiscovered(m *match) {
	raw := m.groups["json"]
	if raw == "" {
		raw = m.message
	}
	policies, err := appstate.ParsePolicies(raw)
	if err != nil {
		t.log.Warnf("rule %s: %v", m.rule.ID, err)
		return
	}
	for _, p := range policies {
		t.store.MarkSeen(p.ID)
	}
	added, updated := t.store.AddUpdateFromJSONPolicies(policies, m.rule.Params.Bool("ignoreUserTargeted"))
	t.dirty = true
	t.log.Infof("policies discovered: %d entries, %d added, %d updated", len(policies), added, updated)
	if t.cb.PoliciesDiscovered != nil {
		t.cb.PoliciesDiscovered(raw)
	}
}

func (t *Tracker) onIgnoreCurrentApp(m *match) {
	cur := t.store.Current()
	if cur == "" {
		return
	}
	t.store.MarkSeen(cur)
	if t.store.AddToIgnoreList(cur) {
		t.log.Infof("ignoring current app %s (%s)", cur, m.rule.ID)
	}
	t.store.SetCurrent("")
	t.dirty = true
}

func (t *Tracker) onUpdateName(m *match) {
	id := t.appID(m)
	if t.store.UpdateName(id, m.value("name")) {
		t.dirty = true
	}
}

func (t *Tracker) onWin32AppState(m *match) {
	id := t.appID(m)
	raw := m.value("state")
	state, ok := appstate.MapWin32AppState(raw)
	if !ok {
		t.log.Debugf("rule %s: unmapped app state %q", m.rule.ID, raw)
		return
	}
	if !t.track(id) {
		return
	}
	prev, changed := t.store.UpdateState(id, state, appstate.NoProgress)
	if changed {
		t.stateChanged(id, prev, state)
	}
}

// onCancelStuckAndSetCurrent skips a current app left in an active state
// before pointing current at the newly matched one.
func (t *Tracker) onCancelStuckAndSetCurrent(m *match) {
	next := t.appID(m)
	cur := t.store.Current()
	if cur != "" && cur != next {
		if app, ok := t.store.Get(cur); ok && app.State.IsActive() {
			t.log.Infof("cancelling stuck app %s (%s)", app.DisplayName(), app.State)
			t.setState(cur, model.StateSkipped, appstate.NoProgress)
		}
	}
	if next != "" && !t.store.IsIgnored(next) {
		t.store.SetCurrent(next)
		t.dirty = true
	}
}

// track makes sure id has an entry. Ignored and empty ids are refused.
func (t *Tracker) track(id string) bool {
	if id == "" || t.store.IsIgnored(id) {
		return false
	}
	if t.store.Ensure(id) {
		t.dirty = true
	}
	return true
}

func (t *Tracker) setState(id string, state model.InstallState, progress int) {
	if !t.track(id) {
		return
	}
	prev, changed := t.store.UpdateState(id, state, progress)
	if changed {
		t.stateChanged(id, prev, state)
	} else if progress >= 0 {
		t.dirty = true
	}
}

func (t *Tracker) markError(id string, m *match) {
	if !t.track(id) {
		return
	}
	detail := strings.TrimSpace(m.groups["detail"])
	if detail == "" {
		detail = m.message
	}
	prev, changed := t.store.MarkError(id, m.rule.ID, detail)
	if changed {
		t.stateChanged(id, prev, model.StateError)
	}
}

func (t *Tracker) stateChanged(id string, from, to model.InstallState) {
	t.dirty = true
	app, _ := t.store.Get(id)
	t.log.Infof("app %s: %s -> %s", app.DisplayName(), from, to)
	if t.cb.AppStateChanged != nil {
		t.cb.AppStateChanged(app, from, to)
	}
	if !t.allCompletedFired && t.store.IsAllCompleted() {
		t.allCompletedFired = true
		t.log.Infof("all %d apps completed", t.store.Len())
		if t.cb.AllAppsCompleted != nil {
			t.cb.AllAppsCompleted()
		}
	}
}

func parseInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return appstate.NoProgress
	}
	return n
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(strings.ReplaceAll(s, ",", "")), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
