package orchestrator

import (
	"fmt"
	"path"

	"github.com/GoCodeAlone/sandcastle/opencode"
)

// PermissionStrategy decides how a runner answers the agent's permission
// prompts. No prompt is ever shown to a person.
type PermissionStrategy interface {
	Decide(p opencode.Permission) opencode.PermissionResponse
}

// AllowAll grants every request for the rest of the session.
type AllowAll struct{}

func (AllowAll) Decide(opencode.Permission) opencode.PermissionResponse {
	return opencode.PermissionAlways
}

// RejectAll refuses every request.
type RejectAll struct{}

func (RejectAll) Decide(opencode.Permission) opencode.PermissionResponse {
	return opencode.PermissionReject
}

// PermissionAction is the outcome of a policy rule.
type PermissionAction string

const (
	PermissionAllow PermissionAction = "allow"
	PermissionDeny  PermissionAction = "deny"
)

// PermissionRule matches permission names ("bash", "edit", "webfetch", ...)
// with a path.Match glob.
type PermissionRule struct {
	Permission string           `json:"permission" yaml:"permission"`
	Action     PermissionAction `json:"action" yaml:"action"`
}

// PolicyStrategy applies the first matching rule, falling back to Default.
// Allowed requests are granted once so later rules keep applying.
type PolicyStrategy struct {
	Rules   []PermissionRule
	Default PermissionAction
}

func (s PolicyStrategy) Decide(p opencode.Permission) opencode.PermissionResponse {
	action := s.Default
	name := p.Name()
	for _, r := range s.Rules {
		if ok, _ := path.Match(r.Permission, name); ok {
			action = r.Action
			break
		}
	}
	if action == PermissionAllow {
		return opencode.PermissionOnce
	}
	return opencode.PermissionReject
}

// NewPermissionStrategy builds a strategy from a default action and rules.
func NewPermissionStrategy(def PermissionAction, rules []PermissionRule) (PermissionStrategy, error) {
	if def == "" {
		def = PermissionAllow
	}
	if err := checkAction(def); err != nil {
		return nil, err
	}
	for i, r := range rules {
		if err := checkAction(r.Action); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if _, err := path.Match(r.Permission, ""); err != nil {
			return nil, fmt.Errorf("rule %d: bad pattern %q: %w", i, r.Permission, err)
		}
	}
	if len(rules) == 0 {
		if def == PermissionAllow {
			return AllowAll{}, nil
		}
		return RejectAll{}, nil
	}
	return PolicyStrategy{Rules: rules, Default: def}, nil
}

func checkAction(a PermissionAction) error {
	if a != PermissionAllow && a != PermissionDeny {
		return fmt.Errorf("invalid permission action %q", a)
	}
	return nil
}
