// Package trigger decides whether a push event should start a run.
package trigger

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Rules filters incoming trigger events. A run starts only when the ref
// matches a configured branch pattern and the change set is not limited to
// ignored (documentation) paths.
type Rules struct {
	Branches    []string // branch glob patterns; empty means all branches
	IgnorePaths []string // path glob patterns excluded from triggering
}

// ShouldRun reports whether a push to ref with the given changed files
// should start a run. The returned reason explains a negative decision.
func (r Rules) ShouldRun(ref string, changedFiles []string) (bool, string) {
	branch := strings.TrimPrefix(ref, "refs/heads/")

	if len(r.Branches) > 0 && !matchAny(r.Branches, branch) {
		return false, fmt.Sprintf("branch %q matches no trigger pattern", branch)
	}

	if len(r.IgnorePaths) > 0 && len(changedFiles) > 0 && r.allIgnored(changedFiles) {
		return false, "change set is limited to ignored paths"
	}

	return true, ""
}

func (r Rules) allIgnored(files []string) bool {
	for _, f := range files {
		if !matchAny(r.IgnorePaths, f) {
			return false
		}
	}
	return true
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, value)
		if err == nil && ok {
			return true
		}
	}
	return false
}
