// Package rules compiles externally supplied pattern rules and selects the
// matchers that are live for the current phase.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/imewatch/internal/model"
)

// GUIDPlaceholder is replaced with an identifier capture expression.
const GUIDPlaceholder = "{GUID}"

const guidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

// IDGroup is the capture group name bound to the first {GUID} of a pattern.
const IDGroup = "id"

// Matcher is an immutable compiled rule.
type Matcher struct {
	ID       string
	Regex    *regexp.Regexp
	Action   string
	Params   model.Params
	Category model.RuleCategory
}

// Match returns named capture groups when msg matches.
func (m *Matcher) Match(msg string) (map[string]string, bool) {
	sub := m.Regex.FindStringSubmatch(msg)
	if sub == nil {
		return nil, false
	}
	groups := make(map[string]string)
	for i, name := range m.Regex.SubexpNames() {
		if name == "" || i >= len(sub) {
			continue
		}
		// an unmatched optional group must not shadow a matched one of the same name
		if _, ok := groups[name]; ok && sub[i] == "" {
			continue
		}
		groups[name] = sub[i]
	}
	return groups, true
}

// Set is one compiled generation of rules, split by category.
type Set struct {
	Version      uint64
	Always       []*Matcher
	CurrentPhase []*Matcher
	OtherPhases  []*Matcher
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Always) + len(s.CurrentPhase) + len(s.OtherPhases)
}

// CompileError reports a rule that was skipped.
type CompileError struct {
	RuleID string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Compile builds a Set from rule descriptors. Disabled rules are skipped
// silently; rules that fail to compile are reported and skipped without
// affecting the rest.
func Compile(rules []model.Rule) (*Set, []error) {
	set := &Set{}
	var errs []error
	for i, r := range rules {
		if !r.Enabled {
			continue
		}
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, &CompileError{RuleID: id, Err: fmt.Errorf("empty pattern")})
			continue
		}
		re, err := regexp.Compile(ExpandPattern(r.Pattern))
		if err != nil {
			errs = append(errs, &CompileError{RuleID: id, Err: err})
			continue
		}

		category, _ := model.ParseRuleCategory(r.Category)
		params := make(model.Params, len(r.Parameters))
		for k, v := range r.Parameters {
			params[k] = v
		}
		m := &Matcher{
			ID:       id,
			Regex:    re,
			Action:   strings.ToLower(strings.TrimSpace(r.Action)),
			Params:   params,
			Category: category,
		}

		switch category {
		case model.CategoryCurrentPhase:
			set.CurrentPhase = append(set.CurrentPhase, m)
		case model.CategoryOtherPhases:
			set.OtherPhases = append(set.OtherPhases, m)
		default:
			set.Always = append(set.Always, m)
		}
	}
	return set, errs
}

// ExpandPattern substitutes {GUID}. The first occurrence becomes the named
// group "id" unless the template already declares one; later occurrences
// are plain capture groups.
func ExpandPattern(template string) string {
	named := !strings.Contains(template, "(?P<"+IDGroup+">") && !strings.Contains(template, "(?<"+IDGroup+">")

	var b strings.Builder
	rest := template
	for {
		i := strings.Index(rest, GUIDPlaceholder)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		if named {
			b.WriteString("(?P<" + IDGroup + ">" + guidPattern + ")")
			named = false
		} else {
			b.WriteString("(" + guidPattern + ")")
		}
		rest = rest[i+len(GUIDPlaceholder):]
	}
	return b.String()
}
