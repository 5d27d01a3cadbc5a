package namespace

import (
	"fmt"
	"sort"
	"strings"
)

// FailurePolicy decides how a namespace that cannot be resolved affects a
// catalog request.
type FailurePolicy string

const (
	// PolicyIsolate omits failing namespaces and reports them as unavailable.
	PolicyIsolate FailurePolicy = "isolate"
	// PolicyFailRequired fails the catalog when a required namespace fails.
	PolicyFailRequired FailurePolicy = "fail_required"
	// PolicyFailAny fails the catalog when any namespace fails.
	PolicyFailAny FailurePolicy = "fail_any"
)

// ParseFailurePolicy parses a policy name. Empty means PolicyIsolate.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyIsolate, nil
	case PolicyIsolate, PolicyFailRequired, PolicyFailAny:
		return p, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (must be: isolate, fail_required, fail_any)", s)
	}
}

// UnavailableError is returned by Catalog when the failure policy does not
// tolerate the namespaces that failed.
type UnavailableError struct {
	Failures map[string]error
}

func (e *UnavailableError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for ns := range e.Failures {
		names = append(names, ns)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, ns := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", ns, e.Failures[ns]))
	}
	return "namespaces unavailable: " + strings.Join(parts, "; ")
}

// Namespaces returns the failing namespace names, sorted.
func (e *UnavailableError) Namespaces() []string {
	names := make([]string, 0, len(e.Failures))
	for ns := range e.Failures {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// enforce applies the policy to the failures of one catalog pass.
func (p FailurePolicy) enforce(failures map[string]error, required map[string]bool) error {
	if len(failures) == 0 {
		return nil
	}

	switch p {
	case PolicyFailAny:
		return &UnavailableError{Failures: failures}
	case PolicyFailRequired:
		fatal := make(map[string]error)
		for ns, err := range failures {
			if required[ns] {
				fatal[ns] = err
			}
		}
		if len(fatal) > 0 {
			return &UnavailableError{Failures: fatal}
		}
	}
	return nil
}
