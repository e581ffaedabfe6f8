// Package status reports whether the agent is running and what it has
// tracked so far.
package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/msageha/imewatch/internal/lock"
	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/setup"
	"github.com/msageha/imewatch/internal/tracker"
	"github.com/msageha/imewatch/internal/uds"
)

type Report struct {
	Agent   AgentStatus       `json:"agent"`
	Tracker *tracker.Snapshot `json:"tracker,omitempty"`
}

type AgentStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Collect queries the agent serving layout over its control socket.
func Collect(l setup.Layout, timeout time.Duration) Report {
	client := uds.NewClient(l.SocketPath())
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	var r Report
	if err := client.Call(uds.CommandPing, nil, nil); err != nil {
		return r
	}
	r.Agent = AgentStatus{Running: true, PID: lock.ReadPID(l.LockPath())}

	var snap tracker.Snapshot
	if err := client.Call(uds.CommandStatus, nil, &snap); err != nil {
		r.Agent.Error = err.Error()
		return r
	}
	r.Tracker = &snap
	return r
}

// Run collects and prints the report.
func Run(l setup.Layout, jsonOutput bool, w io.Writer) error {
	r := Collect(l, 5*time.Second)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	Print(w, r)
	return nil
}

func Print(w io.Writer, r Report) {
	if !r.Agent.Running {
		fmt.Fprintln(w, "Agent: stopped")
		return
	}
	if r.Agent.PID > 0 {
		fmt.Fprintf(w, "Agent: running (pid %d)\n", r.Agent.PID)
	} else {
		fmt.Fprintln(w, "Agent: running")
	}
	if r.Agent.Error != "" {
		fmt.Fprintf(w, "Status unavailable: %s\n", r.Agent.Error)
		return
	}
	s := r.Tracker
	if s == nil {
		return
	}

	phase := s.Phase
	if phase == "" {
		phase = "(none)"
	}
	fmt.Fprintf(w, "Phase: %s  current=%t\n", phase, s.CurrentPhase)
	fmt.Fprintf(w, "Rules: %d (version %d)  cycles=%d  matches=%d\n", s.Rules, s.RulesVersion, s.Cycles, s.Matches)
	if !s.LastCycle.IsZero() {
		fmt.Fprintf(w, "Last cycle: %s\n", s.LastCycle.UTC().Format(time.RFC3339))
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", s.LastError)
	}
	if !s.Persistence {
		fmt.Fprintln(w, "Checkpoint: disabled")
	}

	if len(s.Apps) == 0 {
		fmt.Fprintln(w, "\nApps: none")
	} else {
		fmt.Fprintf(w, "\nApps (%d, ignored %d):\n", len(s.Apps), s.Ignored)
		fmt.Fprintf(w, "  %-1s %-36s  %-11s  %4s  %s\n", "", "ID", "STATE", "PCT", "NAME")
		for _, a := range s.Apps {
			marker := " "
			if a.ID == s.CurrentApp {
				marker = "*"
			}
			fmt.Fprintf(w, "  %s %-36s  %-11s  %3d%%  %s\n", marker, a.ID, a.State, a.Progress, appDetail(a))
		}
	}
	if s.AllCompleted {
		fmt.Fprintln(w, "\nAll apps completed.")
	}
}

func appDetail(a model.App) string {
	parts := []string{a.Name}
	if a.State == model.StateDownloading && a.BytesTotal > 0 {
		parts = append(parts, fmt.Sprintf("[%d/%d bytes]", a.BytesDownloaded, a.BytesTotal))
	}
	if a.State == model.StateError && a.ErrorDetail != "" {
		parts = append(parts, "error: "+a.ErrorDetail)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
