package provider

import (
	"fmt"
	"sort"
	"strings"
)

// ProviderError wraps a single adapter's transport or API failure. It is
// recorded by the router and never surfaces to the enqueueing caller.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AllProvidersFailedError is raised when the healthy set is empty or every
// healthy adapter failed for one routed attempt. The worker treats it as a
// job failure eligible for retry/backoff.
type AllProvidersFailedError struct {
	Failures map[string]error
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Failures) == 0 {
		return "no healthy providers available"
	}
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}
