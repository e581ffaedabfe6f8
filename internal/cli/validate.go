package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/imewatch/internal/model"
	"github.com/msageha/imewatch/internal/rules"
	"github.com/msageha/imewatch/internal/tracker"
)

// RuleProblem is one reason a rule will not fire as written.
type RuleProblem struct {
	RuleID  string
	Message string
}

// ValidateRules compiles rs and reports rules that fail to compile, use an
// unknown action or category, or repeat an id.
func ValidateRules(rs []model.Rule) []RuleProblem {
	var problems []RuleProblem
	_, errs := rules.Compile(rs)
	for _, err := range errs {
		id := ""
		var ce *rules.CompileError
		if errors.As(err, &ce) {
			id = ce.RuleID
		}
		problems = append(problems, RuleProblem{RuleID: id, Message: err.Error()})
	}

	seen := make(map[string]bool)
	for _, r := range rs {
		if !r.Enabled {
			continue
		}
		if r.ID != "" && seen[r.ID] {
			problems = append(problems, RuleProblem{RuleID: r.ID, Message: "duplicate rule id"})
		}
		seen[r.ID] = true
		if !tracker.KnownAction(r.Action) {
			problems = append(problems, RuleProblem{RuleID: r.ID, Message: fmt.Sprintf("unknown action %q", r.Action)})
		}
		if _, ok := model.ParseRuleCategory(r.Category); !ok && r.Category != "" {
			problems = append(problems, RuleProblem{RuleID: r.ID, Message: fmt.Sprintf("unknown category %q, treated as Always", r.Category)})
		}
	}
	return problems
}

func NewValidateRulesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-rules <file>",
		Short: "Check a rules file without starting the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, _, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			problems := ValidateRules(rs)
			for _, p := range problems {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.RuleID, p.Message)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problem(s) in %s", len(problems), args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d rules\n", len(rs))
			return nil
		},
	}
}
