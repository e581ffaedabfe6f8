package model

import (
	"strings"

	"github.com/google/uuid"
)

type InstallState string

const (
	StateNotStarted  InstallState = "NotStarted"
	StateInProgress  InstallState = "InProgress"
	StateDownloading InstallState = "Downloading"
	StateInstalling  InstallState = "Installing"
	StateInstalled   InstallState = "Installed"
	StateError       InstallState = "Error"
	StateSkipped     InstallState = "Skipped"
	StatePostponed   InstallState = "Postponed"
)

// Postponed is deliberately absent: a postponed app can still resume.
var terminalStates = map[InstallState]bool{
	StateInstalled: true,
	StateError:     true,
	StateSkipped:   true,
}

var activeStates = map[InstallState]bool{
	StateInProgress:  true,
	StateDownloading: true,
	StateInstalling:  true,
}

func (s InstallState) IsTerminal() bool { return terminalStates[s] }

func (s InstallState) IsActive() bool { return activeStates[s] }

type RunAsContext string

const (
	RunAsUnknown RunAsContext = ""
	RunAsSystem  RunAsContext = "System"
	RunAsUser    RunAsContext = "User"
)

type AppIntent string

const (
	IntentUnknown   AppIntent = ""
	IntentAvailable AppIntent = "Available"
	IntentRequired  AppIntent = "Required"
	IntentUninstall AppIntent = "Uninstall"
)

type TargetType string

const (
	TargetUnknown TargetType = ""
	TargetUser    TargetType = "User"
	TargetDevice  TargetType = "Device"
	TargetBoth    TargetType = "Both"
)

// App is the tracked installation state of one package.
type App struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name,omitempty" json:"name,omitempty"`
	Ordinal      int          `yaml:"ordinal" json:"ordinal"`
	RunAs        RunAsContext `yaml:"run_as,omitempty" json:"run_as,omitempty"`
	Intent       AppIntent    `yaml:"intent,omitempty" json:"intent,omitempty"`
	Target       TargetType   `yaml:"target,omitempty" json:"target,omitempty"`
	Dependencies []string     `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	State        InstallState `yaml:"state" json:"state"`
	Progress     int          `yaml:"progress" json:"progress"`

	BytesDownloaded int64 `yaml:"bytes_downloaded,omitempty" json:"bytes_downloaded,omitempty"`
	BytesTotal      int64 `yaml:"bytes_total,omitempty" json:"bytes_total,omitempty"`

	// ActivitySeen records that the app reached Downloading/Installing/InProgress.
	ActivitySeen bool `yaml:"activity_seen,omitempty" json:"activity_seen,omitempty"`

	ErrorPatternID string `yaml:"error_pattern_id,omitempty" json:"error_pattern_id,omitempty"`
	ErrorDetail    string `yaml:"error_detail,omitempty" json:"error_detail,omitempty"`
}

// DisplayName falls back to the identifier when no name is known.
func (a App) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// NormalizeID canonicalizes identifiers: UUIDs become lower-case dashed form,
// anything else is trimmed and lower-cased.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return strings.ToLower(id)
}
