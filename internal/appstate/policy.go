package appstate

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/msageha/imewatch/internal/model"
)

// Policy is one entry of the app policy manifest the management extension
// logs after a check-in.
type Policy struct {
	ID               string             `json:"Id"`
	Name             string             `json:"Name"`
	Intent           int                `json:"Intent"`
	TargetType       int                `json:"TargetType"`
	InstallEx        string             `json:"InstallEx"`
	FlatDependencies []PolicyDependency `json:"FlatDependencies"`
}

type PolicyDependency struct {
	AppID   string `json:"AppId"`
	ChildID string `json:"ChildId"`
	Action  int    `json:"Action"`
}

type installEx struct {
	RunAs *int `json:"RunAs"`
}

// ParsePolicies decodes a JSON array of policy objects. Callers pass the raw
// text found in a log line; surrounding noise before '[' or after ']' is cut.
func ParsePolicies(raw string) ([]Policy, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in policy payload")
	}
	var out []Policy
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	return out, nil
}

func (p Policy) RunAs() model.RunAsContext {
	if p.InstallEx == "" {
		return model.RunAsUnknown
	}
	var ex installEx
	if err := json.Unmarshal([]byte(p.InstallEx), &ex); err != nil || ex.RunAs == nil {
		return model.RunAsUnknown
	}
	switch *ex.RunAs {
	case 1:
		return model.RunAsSystem
	case 0:
		return model.RunAsUser
	default:
		return model.RunAsUnknown
	}
}

func (p Policy) AppIntent() model.AppIntent {
	switch p.Intent {
	case 1:
		return model.IntentAvailable
	case 3:
		return model.IntentRequired
	case 4:
		return model.IntentUninstall
	default:
		return model.IntentUnknown
	}
}

func (p Policy) Target() model.TargetType {
	switch p.TargetType {
	case 1:
		return model.TargetUser
	case 2:
		return model.TargetDevice
	case 3:
		return model.TargetBoth
	default:
		return model.TargetUnknown
	}
}

// DependencyIDs returns the normalized child ids this policy depends on.
func (p Policy) DependencyIDs() []string {
	self := model.NormalizeID(p.ID)
	var out []string
	for _, d := range p.FlatDependencies {
		id := model.NormalizeID(d.ChildID)
		if id == "" || id == self {
			continue
		}
		out = append(out, id)
	}
	return out
}
