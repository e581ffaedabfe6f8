package setup

import (
	"path/filepath"

	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/uds"
)

// Layout names the files and directories of an agent work directory.
type Layout struct {
	Root string
}

func (l Layout) ConfigPath() string { return filepath.Join(l.Root, "config.yaml") }

func (l Layout) RulesPath() string { return filepath.Join(l.Root, "rules.yaml") }

func (l Layout) StateDir() string { return filepath.Join(l.Root, "state") }

func (l Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }

func (l Layout) AgentLogPath() string { return filepath.Join(l.LogsDir(), "agent.log") }

func (l Layout) LocksDir() string { return filepath.Join(l.Root, "locks") }

func (l Layout) LockPath() string { return filepath.Join(l.LocksDir(), "agent.lock") }

func (l Layout) EventsDir() string { return filepath.Join(l.Root, "events") }

func (l Layout) SocketPath() string { return filepath.Join(l.Root, uds.DefaultSocketName) }

// Resolve joins a config-relative path onto the work directory.
func (l Layout) Resolve(p string) string {
	return model.ResolvePath(l.Root, p)
}
