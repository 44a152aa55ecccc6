// Package runid derives collision-resistant session identifiers from CI
// invocation context. Two concurrent runs with different run or attempt
// numbers never produce the same identifier.
package runid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// permittedChars matches every character allowed in a session identifier.
// Identifiers are used in role session names, URLs and storage paths, so the
// set is deliberately narrow.
var permittedChars = regexp.MustCompile(`^[a-z0-9-]+$`)

// invalidChars matches characters that get folded to '-' during
// normalization of the repository name.
var invalidChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Identity captures the invocation context of a single orchestrated run.
// It is immutable once computed.
type Identity struct {
	Repository string // full repository name, e.g. "acme/widgets"
	RunNumber  int
	Attempt    int
}

// Compute derives an Identity from the CI invocation context.
// It fails only on malformed inputs.
func Compute(repository string, runNumber, attempt int) (Identity, error) {
	if strings.TrimSpace(repository) == "" {
		return Identity{}, fmt.Errorf("repository name cannot be empty")
	}
	if runNumber <= 0 {
		return Identity{}, fmt.Errorf("run number must be positive, got %d", runNumber)
	}
	if attempt <= 0 {
		return Identity{}, fmt.Errorf("attempt number must be positive, got %d", attempt)
	}
	id := Identity{
		Repository: repository,
		RunNumber:  runNumber,
		Attempt:    attempt,
	}
	if shortName(repository) == "" {
		return Identity{}, fmt.Errorf("repository name %q normalizes to an empty identifier", repository)
	}
	return id, nil
}

// SessionName returns the identifier used as the cloud session name,
// e.g. "widgets-42-1". The result is deterministic and contains only
// characters from the permitted set.
func (id Identity) SessionName() string {
	return fmt.Sprintf("%s-%d-%d", shortName(id.Repository), id.RunNumber, id.Attempt)
}

// PathKey returns the run-scoped path component used to namespace remote
// resources, e.g. "42-1". Distinct (run, attempt) pairs yield distinct keys.
func (id Identity) PathKey() string {
	return fmt.Sprintf("%d-%d", id.RunNumber, id.Attempt)
}

// Valid reports whether s contains only permitted identifier characters.
func Valid(s string) bool {
	return permittedChars.MatchString(s)
}

// Local returns an Identity for runs triggered outside a CI context.
// The repository component is random, so local runs never collide with
// real CI runs or with each other.
func Local() Identity {
	return Identity{
		Repository: "local-" + uuid.New().String()[:8],
		RunNumber:  1,
		Attempt:    1,
	}
}

// shortName strips the owner prefix and normalizes the remainder to the
// permitted character set.
func shortName(repository string) string {
	name := repository
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		name = name[idx+1:]
	}
	name = strings.ToLower(name)
	name = invalidChars.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}
