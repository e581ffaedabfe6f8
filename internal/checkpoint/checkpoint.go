// Package checkpoint persists tracker progress so a restarted agent resumes
// where it stopped instead of re-reading every log from the start.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/imewatch/internal/logging"
	"github.com/msageha/imewatch/internal/logsource"
	"github.com/msageha/imewatch/internal/model"
	yamlutil "github.com/msageha/imewatch/internal/yaml"
)

// FileName is the checkpoint file inside the checkpoint directory.
const FileName = "checkpoint.yaml"

// Checkpoint is everything needed to resume tracking.
type Checkpoint struct {
	yamlutil.SchemaHeader `yaml:",inline"`

	SavedAt           time.Time `yaml:"saved_at"`
	PhaseRank         int       `yaml:"phase_rank"`
	LastPhase         string    `yaml:"last_phase,omitempty"`
	CurrentPhase      bool      `yaml:"current_phase"`
	AllCompletedFired bool      `yaml:"all_completed_fired"`

	CurrentApp string      `yaml:"current_app,omitempty"`
	Apps       []model.App `yaml:"apps,omitempty"`
	Ignored    []string    `yaml:"ignored,omitempty"`
	Seen       []string    `yaml:"seen,omitempty"`

	Offsets map[string]logsource.FileOffset `yaml:"offsets,omitempty"`
}

// Store reads and writes one checkpoint file.
type Store struct {
	dir  string
	path string
	log  *logging.Logger
}

func NewStore(dir string, logger *logging.Logger) *Store {
	return &Store{
		dir:  dir,
		path: filepath.Join(dir, FileName),
		log:  logger.With("checkpoint"),
	}
}

func (s *Store) Path() string { return s.path }

// Save stamps the header and writes cp atomically.
func (s *Store) Save(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("nil checkpoint")
	}
	cp.SchemaVersion = yamlutil.CurrentSchemaVersion
	cp.FileType = yamlutil.FileTypeCheckpoint
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	if err := yamlutil.AtomicWrite(s.path, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns nil without error when no checkpoint exists. An unreadable
// file is quarantined and the backup tried; when that fails too the caller
// starts fresh.
func (s *Store) Load() (*Checkpoint, error) {
	content, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	cp, perr := decode(content)
	if perr == nil {
		return cp, nil
	}
	s.log.Warnf("checkpoint %s unreadable: %v", s.path, perr)

	dst, err := yamlutil.Quarantine(s.dir, s.path)
	if err != nil {
		return nil, fmt.Errorf("quarantine checkpoint: %w", err)
	}
	s.log.Warnf("quarantined %s to %s", s.path, dst)

	if err := yamlutil.RestoreFromBackup(s.path); err != nil {
		s.log.Warnf("no usable backup, starting fresh: %v", err)
		return nil, nil
	}
	content, err = os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read restored checkpoint: %w", err)
	}
	cp, perr = decode(content)
	if perr != nil {
		s.log.Warnf("backup checkpoint unusable, starting fresh: %v", perr)
		if _, err := yamlutil.Quarantine(s.dir, s.path); err != nil {
			return nil, fmt.Errorf("quarantine restored checkpoint: %w", err)
		}
		return nil, nil
	}
	s.log.Infof("checkpoint restored from backup")
	return cp, nil
}

// Delete removes the checkpoint and its backup. Missing files are fine.
func (s *Store) Delete() error {
	for _, p := range []string{s.path, s.path + ".bak"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
	}
	return nil
}

func decode(content []byte) (*Checkpoint, error) {
	if err := yamlutil.ValidateSchemaHeader(content, yamlutil.FileTypeCheckpoint); err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := yamlv3.Unmarshal(content, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.PhaseRank < model.RankNone || cp.PhaseRank > model.RankAccount {
		return nil, fmt.Errorf("phase_rank %d out of range", cp.PhaseRank)
	}
	return &cp, nil
}
