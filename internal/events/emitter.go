package events

import (
	"github.com/google/uuid"

	"github.com/msageha/imewatch/internal/model"
)

// Emitter turns tracker callbacks into bus events. Every event carries the
// session id of the agent run that produced it.
type Emitter struct {
	bus     *Bus
	session string
}

func NewEmitter(bus *Bus) *Emitter {
	return &Emitter{bus: bus, session: uuid.NewString()}
}

func (e *Emitter) Session() string { return e.session }

func (e *Emitter) publish(t EventType, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["session_id"] = e.session
	e.bus.Publish(t, data)
}

func (e *Emitter) AgentStarted() {
	e.publish(EventAgentStarted, nil)
}

func (e *Emitter) AgentVersion(version string) {
	e.publish(EventAgentVersion, map[string]any{"version": version})
}

func (e *Emitter) PhaseChanged(phase string) {
	e.publish(EventPhaseChanged, map[string]any{"phase": phase})
}

func (e *Emitter) PoliciesDiscovered(raw string) {
	e.publish(EventPoliciesDiscovered, map[string]any{"policies": raw})
}

func (e *Emitter) AppStateChanged(app model.App, from, to model.InstallState) {
	data := map[string]any{
		"app_id":   app.ID,
		"name":     app.DisplayName(),
		"from":     string(from),
		"to":       string(to),
		"progress": app.Progress,
	}
	if app.BytesTotal > 0 {
		data["bytes_downloaded"] = app.BytesDownloaded
		data["bytes_total"] = app.BytesTotal
	}
	if to == model.StateError {
		data["error_pattern_id"] = app.ErrorPatternID
		data["error_detail"] = app.ErrorDetail
	}
	e.publish(EventAppStateChanged, data)
}

func (e *Emitter) AllAppsCompleted() {
	e.publish(EventAllAppsCompleted, nil)
}

func (e *Emitter) UserSessionCompleted() {
	e.publish(EventUserSessionCompleted, nil)
}
