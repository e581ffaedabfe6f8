package model

import "strings"

// RuleCategory decides when a compiled rule is eligible to fire.
type RuleCategory string

const (
	CategoryAlways       RuleCategory = "Always"
	CategoryCurrentPhase RuleCategory = "CurrentPhase"
	CategoryOtherPhases  RuleCategory = "OtherPhases"
)

// ParseRuleCategory is case-insensitive; unknown values map to Always.
func ParseRuleCategory(s string) (RuleCategory, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "always":
		return CategoryAlways, true
	case "currentphase":
		return CategoryCurrentPhase, true
	case "otherphases":
		return CategoryOtherPhases, true
	default:
		return CategoryAlways, false
	}
}

// Params holds free-form rule parameters.
type Params map[string]string

// Get looks a key up case-insensitively.
func (p Params) Get(key string) string {
	if v, ok := p[key]; ok {
		return v
	}
	for k, v := range p {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Bool reports whether key is set to a true-ish value.
func (p Params) Bool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(p.Get(key))) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Rule is an externally supplied pattern descriptor. Pattern may contain the
// {GUID} placeholder.
type Rule struct {
	ID         string `yaml:"id" json:"id"`
	Pattern    string `yaml:"pattern" json:"pattern"`
	Category   string `yaml:"category" json:"category"`
	Action     string `yaml:"action" json:"action"`
	Parameters Params `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Enabled    bool   `yaml:"enabled" json:"enabled"`
}
