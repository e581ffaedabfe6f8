// Package appstate keeps the per-app installation table, the ignore list and
// the ids seen during the current phase.
package appstate

import (
	"sort"
	"strings"

	"github.com/msageha/imewatch/internal/model"
)

// NoProgress leaves the stored progress untouched.
const NoProgress = -1

// Store is not safe for concurrent use; the polling goroutine owns it.
type Store struct {
	apps        map[string]*model.App
	ignored     map[string]struct{}
	seen        map[string]struct{}
	current     string
	nextOrdinal int
}

func New() *Store {
	return &Store{
		apps:    make(map[string]*model.App),
		ignored: make(map[string]struct{}),
		seen:    make(map[string]struct{}),
	}
}

func (s *Store) Len() int { return len(s.apps) }

func (s *Store) Current() string { return s.current }

// SetCurrent moves the current-app pointer; an empty id clears it.
func (s *Store) SetCurrent(id string) {
	s.current = model.NormalizeID(id)
}

func (s *Store) Get(id string) (model.App, bool) {
	app, ok := s.apps[model.NormalizeID(id)]
	if !ok {
		return model.App{}, false
	}
	return cloneApp(app), true
}

// Ensure creates an entry in NotStarted for an unknown, non-ignored id.
func (s *Store) Ensure(id string) bool {
	id = model.NormalizeID(id)
	if id == "" || s.IsIgnored(id) {
		return false
	}
	if _, ok := s.apps[id]; ok {
		return false
	}
	s.apps[id] = &model.App{ID: id, Ordinal: s.nextOrdinal, State: model.StateNotStarted}
	s.nextOrdinal++
	return true
}

// UpdateState changes the state of a known, non-ignored app and reports the
// previous state and whether the state changed.
func (s *Store) UpdateState(id string, state model.InstallState, progress int) (model.InstallState, bool) {
	app := s.lookup(id)
	if app == nil {
		return "", false
	}
	if progress >= 0 {
		app.Progress = clampPercent(progress)
	}
	if state == model.StateInstalled {
		app.Progress = 100
	}

	prev := app.State
	if prev == state {
		return prev, false
	}
	app.State = state
	if state.IsActive() {
		app.ActivitySeen = true
	}
	if prev == model.StateError {
		app.ErrorPatternID = ""
		app.ErrorDetail = ""
	}
	return prev, true
}

// UpdateStateToDownloading records byte counters alongside the state change.
// Negative counters are ignored.
func (s *Store) UpdateStateToDownloading(id string, downloaded, total int64) (model.InstallState, bool) {
	app := s.lookup(id)
	if app == nil {
		return "", false
	}
	if downloaded >= 0 {
		app.BytesDownloaded = downloaded
	}
	if total >= 0 {
		app.BytesTotal = total
	}
	progress := NoProgress
	if app.BytesTotal > 0 {
		progress = int(app.BytesDownloaded * 100 / app.BytesTotal)
	}
	return s.UpdateState(id, model.StateDownloading, progress)
}

// MarkError moves the app to Error and records which rule detected it.
func (s *Store) MarkError(id, patternID, detail string) (model.InstallState, bool) {
	prev, changed := s.UpdateState(id, model.StateError, NoProgress)
	if changed {
		app := s.apps[model.NormalizeID(id)]
		app.ErrorPatternID = patternID
		app.ErrorDetail = detail
	}
	return prev, changed
}

// AddUpdateFromJSONPolicies upserts discovered policies. Ignored ids are
// skipped, as are user-targeted ones when ignoreUserTargeted is set.
// It returns the number of entries created and updated.
func (s *Store) AddUpdateFromJSONPolicies(policies []Policy, ignoreUserTargeted bool) (added, updated int) {
	for _, p := range policies {
		id := model.NormalizeID(p.ID)
		if id == "" || s.IsIgnored(id) {
			continue
		}
		if ignoreUserTargeted && p.Target() == model.TargetUser {
			continue
		}

		app, ok := s.apps[id]
		if !ok {
			app = &model.App{ID: id, Ordinal: s.nextOrdinal, State: model.StateNotStarted}
			s.nextOrdinal++
			s.apps[id] = app
			added++
		} else {
			updated++
		}
		if p.Name != "" {
			app.Name = p.Name
		}
		if ra := p.RunAs(); ra != model.RunAsUnknown {
			app.RunAs = ra
		}
		if in := p.AppIntent(); in != model.IntentUnknown {
			app.Intent = in
		}
		if tt := p.Target(); tt != model.TargetUnknown {
			app.Target = tt
		}
		app.Dependencies = mergeIDs(app.Dependencies, p.DependencyIDs())
	}
	return added, updated
}

// AddToIgnoreList reports whether id was newly added.
func (s *Store) AddToIgnoreList(id string) bool {
	id = model.NormalizeID(id)
	if id == "" {
		return false
	}
	if _, ok := s.ignored[id]; ok {
		return false
	}
	s.ignored[id] = struct{}{}
	return true
}

func (s *Store) IsIgnored(id string) bool {
	_, ok := s.ignored[model.NormalizeID(id)]
	return ok
}

// IsAllCompleted is true when at least one app is tracked and every app is
// Installed, Error or Skipped.
func (s *Store) IsAllCompleted() bool {
	if len(s.apps) == 0 {
		return false
	}
	for _, app := range s.apps {
		if !app.State.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *Store) UpdateName(id, name string) bool {
	app := s.lookup(id)
	if app == nil || name == "" || app.Name == name {
		return false
	}
	app.Name = name
	return true
}

// UpdateStateFromWin32AppState maps a provider status string onto an
// install state. Unknown strings are ignored.
func (s *Store) UpdateStateFromWin32AppState(id, status string) (model.InstallState, bool) {
	state, ok := MapWin32AppState(status)
	if !ok {
		return "", false
	}
	return s.UpdateState(id, state, NoProgress)
}

// MarkSeen records an id matched during the current phase.
func (s *Store) MarkSeen(id string) {
	id = model.NormalizeID(id)
	if id != "" {
		s.seen[id] = struct{}{}
	}
}

// ClearAndIgnore promotes every tracked and seen id to the ignore list, then
// empties the table, the seen set and the current pointer. It returns the
// number of ids newly ignored.
func (s *Store) ClearAndIgnore() int {
	promoted := 0
	for id := range s.apps {
		if s.AddToIgnoreList(id) {
			promoted++
		}
	}
	for id := range s.seen {
		if s.AddToIgnoreList(id) {
			promoted++
		}
	}
	s.apps = make(map[string]*model.App)
	s.seen = make(map[string]struct{})
	s.current = ""
	s.nextOrdinal = 0
	return promoted
}

// Apps returns copies ordered by ordinal.
func (s *Store) Apps() []model.App {
	out := make([]model.App, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, cloneApp(app))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Ignored() []string { return sortedKeys(s.ignored) }

func (s *Store) Seen() []string { return sortedKeys(s.seen) }

// State is the serializable content of a Store.
type State struct {
	Apps    []model.App
	Ignored []string
	Seen    []string
	Current string
}

func (s *Store) Export() State {
	return State{
		Apps:    s.Apps(),
		Ignored: s.Ignored(),
		Seen:    s.Seen(),
		Current: s.current,
	}
}

// Restore replaces the store content with st.
func (s *Store) Restore(st State) {
	s.apps = make(map[string]*model.App, len(st.Apps))
	s.ignored = make(map[string]struct{}, len(st.Ignored))
	s.seen = make(map[string]struct{}, len(st.Seen))
	s.nextOrdinal = 0
	for _, a := range st.Apps {
		app := cloneApp(&a)
		app.ID = model.NormalizeID(app.ID)
		if app.ID == "" {
			continue
		}
		s.apps[app.ID] = &app
		if app.Ordinal >= s.nextOrdinal {
			s.nextOrdinal = app.Ordinal + 1
		}
	}
	for _, id := range st.Ignored {
		s.AddToIgnoreList(id)
	}
	for _, id := range st.Seen {
		s.MarkSeen(id)
	}
	s.current = model.NormalizeID(st.Current)
}

func (s *Store) lookup(id string) *model.App {
	id = model.NormalizeID(id)
	if id == "" || s.IsIgnored(id) {
		return nil
	}
	return s.apps[id]
}

var win32States = map[string]model.InstallState{
	"notstarted":         model.StateNotStarted,
	"pending":            model.StateNotStarted,
	"waiting":            model.StateNotStarted,
	"inprogress":         model.StateInProgress,
	"downloading":        model.StateDownloading,
	"downloadstarted":    model.StateDownloading,
	"downloadinprogress": model.StateDownloading,
	"installing":         model.StateInstalling,
	"installstarted":     model.StateInstalling,
	"installinprogress":  model.StateInstalling,
	"installed":          model.StateInstalled,
	"success":            model.StateInstalled,
	"succeeded":          model.StateInstalled,
	"completed":          model.StateInstalled,
	"error":              model.StateError,
	"failed":             model.StateError,
	"failure":            model.StateError,
	"downloadfailed":     model.StateError,
	"installfailed":      model.StateError,
	"detectionfailed":    model.StateError,
	"skipped":            model.StateSkipped,
	"notapplicable":      model.StateSkipped,
	"requirementsnotmet": model.StateSkipped,
	"postponed":          model.StatePostponed,
	"deferred":           model.StatePostponed,
	"pendingreboot":      model.StatePostponed,
}

// MapWin32AppState normalizes case and separators before lookup.
func MapWin32AppState(status string) (model.InstallState, bool) {
	key := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(status)))
	st, ok := win32States[key]
	return st, ok
}

func cloneApp(a *model.App) model.App {
	c := *a
	if a.Dependencies != nil {
		c.Dependencies = append([]string(nil), a.Dependencies...)
	}
	return c
}

func mergeIDs(existing, add []string) []string {
	if len(add) == 0 {
		return existing
	}
	set := make(map[string]struct{}, len(existing)+len(add))
	for _, id := range existing {
		set[id] = struct{}{}
	}
	for _, id := range add {
		set[id] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
