// Package permission carries execution permissions as an explicit value.
// A Set is passed into every workflow invocation and Orchestrator call instead of
// being read from ambient state, so checks can be exercised in isolation.
package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDenied is matched by every *DeniedError.
var ErrDenied = errors.New("permission denied")

// Wildcard grants every permission.
const Wildcard = "*"

// Common permission names used by workflows wrapping provider calls.
const (
	ProviderText      = "provider:text"
	ProviderChat      = "provider:chat"
	ProviderImage     = "provider:image"
	ProviderEmbedding = "provider:embedding"
)

// DeniedError reports a missing permission.
type DeniedError struct {
	Permission string
	Scope      string
}

func (e *DeniedError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("permission denied: %s", e.Permission)
	}
	return fmt.Sprintf("permission denied: %s (scope %s)", e.Permission, e.Scope)
}

// Is makes errors.Is(err, ErrDenied) match.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Set is an immutable collection of granted permissions. The zero value grants nothing.
type Set struct {
	grants map[string]struct{}
}

// New returns a Set granting the given permissions.
func New(perms ...string) Set {
	if len(perms) == 0 {
		return Set{}
	}
	grants := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if p = strings.TrimSpace(p); p != "" {
			grants[p] = struct{}{}
		}
	}
	return Set{grants: grants}
}

// All returns a Set granting everything.
func All() Set {
	return New(Wildcard)
}

// Allows reports whether p is granted, directly or through a "prefix:*" grant.
func (s Set) Allows(p string) bool {
	if len(s.grants) == 0 {
		return false
	}
	if _, ok := s.grants[Wildcard]; ok {
		return true
	}
	if _, ok := s.grants[p]; ok {
		return true
	}
	if i := strings.Index(p, ":"); i > 0 {
		if _, ok := s.grants[p[:i]+":*"]; ok {
			return true
		}
	}
	return false
}

// Require returns a *DeniedError for the first permission not granted.
func (s Set) Require(scope string, perms ...string) error {
	for _, p := range perms {
		if !s.Allows(p) {
			return &DeniedError{Permission: p, Scope: scope}
		}
	}
	return nil
}

// With returns a new Set with extra grants.
func (s Set) With(perms ...string) Set {
	return New(append(s.List(), perms...)...)
}

// List returns the granted permissions in sorted order.
func (s Set) List() []string {
	out := make([]string, 0, len(s.grants))
	for p := range s.grants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return "[" + strings.Join(s.List(), ",") + "]"
}
