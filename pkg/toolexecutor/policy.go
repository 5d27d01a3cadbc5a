package toolexecutor

import (
	"strings"

	"github.com/rs/zerolog"
)

// ToolPolicy defines which tools a catalog exposes. Entries are exact tool
// names, "*" for everything, or "{namespace}.*" for a whole namespace.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"` // overrides allow
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	for _, denied := range tp.Deny {
		if matchToolPattern(denied, toolName) {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if matchToolPattern(allowed, toolName) {
			return true
		}
	}

	// If no explicit allow, deny by default
	return false
}

// Validate logs policies that are probably mistakes. It never rejects one.
func (tp *ToolPolicy) Validate(logger zerolog.Logger) {
	if tp == nil {
		return
	}

	hasAllowWildcard := contains(tp.Allow, "*")
	hasDenyWildcard := contains(tp.Deny, "*")

	if hasAllowWildcard && hasDenyWildcard {
		logger.Warn().Msg("Policy has both allow and deny wildcards - deny will override allow")
	}
	if len(tp.Allow) == 0 {
		logger.Warn().Msg("Policy has empty allow list - all tools will be denied by default")
	}
}

// MergePolicies merges multiple policies into one.
// The resulting policy is the intersection of all allow lists
// and the union of all deny lists
func MergePolicies(policies ...*ToolPolicy) *ToolPolicy {
	valid := make([]*ToolPolicy, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			valid = append(valid, p)
		}
	}

	switch len(valid) {
	case 0:
		return nil
	case 1:
		return valid[0]
	}

	merged := &ToolPolicy{Allow: []string{}, Deny: []string{}}

	denySet := make(map[string]bool)
	for _, p := range valid {
		for _, denied := range p.Deny {
			if !denySet[denied] {
				denySet[denied] = true
				merged.Deny = append(merged.Deny, denied)
			}
		}
	}

	allow := append([]string(nil), valid[0].Allow...)
	for _, p := range valid[1:] {
		next := []string{}
		for _, a := range allow {
			if contains(p.Allow, a) || contains(p.Allow, "*") {
				next = append(next, a)
			} else if a == "*" {
				// A wildcard narrows to the other side's explicit entries.
				next = append(next, p.Allow...)
			}
		}
		allow = next
	}
	merged.Allow = dedupe(allow)

	return merged
}

// FilterToolsByPolicy filters a list of tool names based on a policy
func FilterToolsByPolicy(tools []string, policy *ToolPolicy) []string {
	if policy == nil {
		return tools
	}

	filtered := []string{}
	for _, tool := range tools {
		if policy.IsToolAllowed(tool) {
			filtered = append(filtered, tool)
		}
	}

	return filtered
}

func matchToolPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, NamespaceSeparator+"*"); ok {
		return strings.HasPrefix(name, prefix+NamespaceSeparator)
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
