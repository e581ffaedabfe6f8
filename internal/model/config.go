// Package model defines the data structures for imewatch's configuration, rules and tracked apps.
package model

import (
	"path/filepath"
	"time"
)

type Config struct {
	Logs       LogsConfig       `yaml:"logs"`
	Rules      RulesConfig      `yaml:"rules"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Simulation SimulationConfig `yaml:"simulation"`
	Debug      DebugConfig      `yaml:"debug"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type LogsConfig struct {
	Dir      string   `yaml:"dir"`
	Patterns []string `yaml:"patterns"`
}

type RulesConfig struct {
	File  string `yaml:"file"`
	Watch *bool  `yaml:"watch,omitempty"`
}

type TrackerConfig struct {
	AssumeCurrentPhase *bool `yaml:"assume_current_phase,omitempty"`
	PollIntervalMs     int   `yaml:"poll_interval_ms"`
	ErrorBackoffMs     int   `yaml:"error_backoff_ms"`
}

type CheckpointConfig struct {
	Dir                string `yaml:"dir"`
	DeleteOnCompletion *bool  `yaml:"delete_on_completion,omitempty"`
}

type SimulationConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Speed      float64 `yaml:"speed"`
	MaxDelayMs int     `yaml:"max_delay_ms"`
}

type DebugConfig struct {
	MatchLog string `yaml:"match_log"`
}

type TelemetryConfig struct {
	Outbox       string `yaml:"outbox"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	Buffer       int    `yaml:"buffer"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const DefaultLogDir = `C:\ProgramData\Microsoft\IntuneManagementExtension\Logs`

// DefaultLogPatterns lists archived variants before the active file of each family.
var DefaultLogPatterns = []string{
	"IntuneManagementExtension-*.log",
	"IntuneManagementExtension.log",
	"AppWorkload-*.log",
	"AppWorkload.log",
}

// ApplyDefaults fills zero values with the agent defaults.
func (c *Config) ApplyDefaults() {
	if c.Logs.Dir == "" {
		c.Logs.Dir = DefaultLogDir
	}
	if len(c.Logs.Patterns) == 0 {
		c.Logs.Patterns = append([]string(nil), DefaultLogPatterns...)
	}
	if c.Rules.File == "" {
		c.Rules.File = "rules.yaml"
	}
	if c.Tracker.PollIntervalMs <= 0 {
		c.Tracker.PollIntervalMs = 1000
	}
	if c.Tracker.ErrorBackoffMs <= 0 {
		c.Tracker.ErrorBackoffMs = 5000
	}
	if c.Simulation.Speed <= 0 {
		c.Simulation.Speed = 1
	}
	if c.Simulation.MaxDelayMs <= 0 {
		c.Simulation.MaxDelayMs = 2000
	}
	if c.Telemetry.Outbox == "" {
		c.Telemetry.Outbox = filepath.Join("events", "events.jsonl")
	}
	if c.Telemetry.MaxSizeBytes <= 0 {
		c.Telemetry.MaxSizeBytes = 10 * 1024 * 1024
	}
	if c.Telemetry.Buffer <= 0 {
		c.Telemetry.Buffer = 256
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c RulesConfig) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}

func (c TrackerConfig) CurrentPhaseAtStart() bool {
	return c.AssumeCurrentPhase == nil || *c.AssumeCurrentPhase
}

// DeleteWhenSessionCompletes defaults to true.
func (c CheckpointConfig) DeleteWhenSessionCompletes() bool {
	return c.DeleteOnCompletion == nil || *c.DeleteOnCompletion
}

func (c TrackerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c TrackerConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffMs) * time.Millisecond
}

func (c SimulationConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// ResolvePath resolves p against base unless p is empty or already absolute.
func ResolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
