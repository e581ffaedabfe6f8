package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/imewatch/internal/model"
)

const testGUID = "11111111-AAAA-2222-bbbb-333333333333"

func TestExpandPattern(t *testing.T) {
	got := ExpandPattern(`Installed: {GUID} after {GUID}`)
	assert.Equal(t, `Installed: (?P<id>`+guidPattern+`) after (`+guidPattern+`)`, got)

	// an explicit id group wins over the placeholder
	got = ExpandPattern(`(?P<id>\w+) depends on {GUID}`)
	assert.Equal(t, `(?P<id>\w+) depends on (`+guidPattern+`)`, got)

	assert.Equal(t, `no placeholder`, ExpandPattern(`no placeholder`))
}

func TestCompile_CategoriesAndDisabled(t *testing.T) {
	set, errs := Compile([]model.Rule{
		{ID: "a", Pattern: "IME Agent Started", Category: "Always", Action: "IMEStarted", Enabled: true},
		{ID: "b", Pattern: "Installed: {GUID}", Category: "currentphase", Action: "updatestateinstalled", Enabled: true},
		{ID: "c", Pattern: "other {GUID}", Category: "OtherPhases", Action: "setcurrentapp", Enabled: true},
		{ID: "d", Pattern: "weird", Category: "Sometimes", Action: "imestarted", Enabled: true},
		{ID: "e", Pattern: "off", Category: "Always", Action: "imestarted", Enabled: false},
	})
	require.Empty(t, errs)
	assert.Equal(t, 4, set.Len())

	ids := func(ms []*Matcher) []string {
		var out []string
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a", "d"}, ids(set.Always))
	assert.Equal(t, []string{"b"}, ids(set.CurrentPhase))
	assert.Equal(t, []string{"c"}, ids(set.OtherPhases))
	assert.Equal(t, "imestarted", set.Always[0].Action)
}

func TestCompile_BadRuleDoesNotAbort(t *testing.T) {
	set, errs := Compile([]model.Rule{
		{ID: "broken", Pattern: "([unclosed", Enabled: true},
		{ID: "blank", Pattern: "  ", Enabled: true},
		{ID: "ok", Pattern: "fine", Action: "imestarted", Enabled: true},
	})
	require.Len(t, errs, 2)

	var ce *CompileError
	require.True(t, errors.As(errs[0], &ce))
	assert.Equal(t, "broken", ce.RuleID)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, "ok", set.Always[0].ID)
}

func TestCompile_ParamsAreCopied(t *testing.T) {
	params := model.Params{"phase": "AccountSetup"}
	set, _ := Compile([]model.Rule{{ID: "p", Pattern: "x", Parameters: params, Enabled: true}})
	params["phase"] = "changed"
	assert.Equal(t, "AccountSetup", set.Always[0].Params.Get("phase"))
}

func TestMatcher_Match(t *testing.T) {
	set, errs := Compile([]model.Rule{{
		ID:      "dl",
		Pattern: `Downloading {GUID}(?: (?P<bytes>\d+)/(?P<total>\d+))?`,
		Enabled: true,
	}})
	require.Empty(t, errs)
	m := set.Always[0]

	groups, ok := m.Match("[Win32App] Downloading " + testGUID + " 10/200")
	require.True(t, ok)
	assert.Equal(t, testGUID, groups["id"])
	assert.Equal(t, "10", groups["bytes"])
	assert.Equal(t, "200", groups["total"])

	groups, ok = m.Match("Downloading " + testGUID)
	require.True(t, ok)
	assert.Equal(t, "", groups["bytes"])

	_, ok = m.Match("Downloading not-a-guid")
	assert.False(t, ok)
}
