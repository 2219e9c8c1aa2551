// Package channel maps (group, sub) identifiers onto broker channel names.
//
// Exact channels have the form {namespace}:{group}:{sub}. Passing an empty sub
// yields the wildcard form {namespace}:{group}:*, which matches every sub under
// the group. Identifiers are restricted to [A-Za-z0-9._-], so ":" and "*" can
// never appear inside a group or sub; that keeps the mapping injective and the
// wildcard distinct from any real channel.
package channel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultNamespace prefixes every channel unless configured otherwise.
const DefaultNamespace Namespace = "ai_story"

// Wildcard is the reserved sub segment of a group-wide pattern.
const Wildcard = "*"

const separator = ":"

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Errors returned by the naming helpers.
var (
	ErrInvalidID   = errors.New("channel: invalid identifier")
	ErrInvalidName = errors.New("channel: malformed channel name")
)

// Namespace scopes channel names so several deployments can share one broker.
type Namespace string

// Name returns the channel for (group, sub). An empty sub returns the
// group-wide wildcard pattern.
func (ns Namespace) Name(group, sub string) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", err
	}
	if err := ValidateID(group); err != nil {
		return "", fmt.Errorf("group: %w", err)
	}
	if sub == "" {
		return string(ns) + separator + group + separator + Wildcard, nil
	}
	if err := ValidateID(sub); err != nil {
		return "", fmt.Errorf("sub: %w", err)
	}
	return string(ns) + separator + group + separator + sub, nil
}

// MustName is Name for callers that already validated their identifiers.
func (ns Namespace) MustName(group, sub string) string {
	name, err := ns.Name(group, sub)
	if err != nil {
		panic(err)
	}
	return name
}

// Parse splits a channel name produced by Name back into (group, sub). The
// wildcard form returns sub == Wildcard.
func (ns Namespace) Parse(name string) (group, sub string, err error) {
	prefix := string(ns) + separator
	if !strings.HasPrefix(name, prefix) {
		return "", "", fmt.Errorf("%w: %q outside namespace %q", ErrInvalidName, name, ns)
	}
	parts := strings.Split(strings.TrimPrefix(name, prefix), separator)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	group, sub = parts[0], parts[1]
	if ValidateID(group) != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if sub != Wildcard && ValidateID(sub) != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return group, sub, nil
}

// Validate reports whether ns follows the same character rules as group and
// sub ids.
func (ns Namespace) Validate() error {
	if !validID.MatchString(string(ns)) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidID, ns)
	}
	return nil
}

// ValidateID reports whether id can be used as a group or sub segment.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// IsWildcard reports whether name is a group-wide pattern.
func IsWildcard(name string) bool {
	return strings.HasSuffix(name, separator+Wildcard)
}

// Matches reports whether a channel name is covered by pattern. Exact patterns
// match only themselves; wildcard patterns match every channel that shares the
// group prefix and has exactly one further segment.
func Matches(pattern, name string) bool {
	if !IsWildcard(pattern) {
		return pattern == name
	}
	prefix := strings.TrimSuffix(pattern, Wildcard)
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	rest := strings.TrimPrefix(name, prefix)
	return rest != "" && rest != Wildcard && !strings.Contains(rest, separator)
}
