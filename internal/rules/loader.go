package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/msageha/imewatch/internal/model"
)

// File is the on-disk rule document. A bare top-level list is accepted too.
type File struct {
	Rules []fileRule `yaml:"rules"`
}

type fileRule struct {
	ID         string       `yaml:"id"`
	Pattern    string       `yaml:"pattern"`
	Category   string       `yaml:"category"`
	Action     string       `yaml:"action"`
	Parameters model.Params `yaml:"parameters"`
	Enabled    *bool        `yaml:"enabled"`
}

func (r fileRule) toRule() model.Rule {
	return model.Rule{
		ID:         r.ID,
		Pattern:    r.Pattern,
		Category:   r.Category,
		Action:     r.Action,
		Parameters: r.Parameters,
		Enabled:    r.Enabled == nil || *r.Enabled,
	}
}

// ParseRules decodes a rule document. Omitted "enabled" means enabled.
func ParseRules(data []byte) ([]model.Rule, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	var raw []fileRule
	if node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Content[0].Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode rules list: %w", err)
		}
	} else {
		var f File
		if err := node.Content[0].Decode(&f); err != nil {
			return nil, fmt.Errorf("decode rules document: %w", err)
		}
		raw = f.Rules
	}

	out := make([]model.Rule, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toRule())
	}
	return out, nil
}

// LoadFile reads and parses a rule file, returning a content checksum used
// to skip no-op reloads.
func LoadFile(path string) ([]model.Rule, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read rules file: %w", err)
	}
	sum := sha256.Sum256(data)
	rules, err := ParseRules(data)
	if err != nil {
		return nil, "", err
	}
	return rules, hex.EncodeToString(sum[:]), nil
}
