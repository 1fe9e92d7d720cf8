// Package rbac holds the role enumeration and the decision tables that govern
// view and download access to catalog entries.
//
// Permission is set membership only. Apart from the admin bypass there is no
// hierarchy between roles.
package rbac

import (
	"encoding/json"
	"slices"
	"strings"
)

type Role string

const (
	RoleGuest      Role = "guest"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleDesigner   Role = "designer"
	RoleEngineer   Role = "engineer"
	RoleForeman    Role = "foreman"
	RoleWorker     Role = "worker"
	RoleAccountant Role = "accountant"
)

var knownRoles = []Role{
	RoleGuest,
	RoleAdmin,
	RoleManager,
	RoleDesigner,
	RoleEngineer,
	RoleForeman,
	RoleWorker,
	RoleAccountant,
}

// Roles returns the fixed role enumeration in declaration order.
func Roles() []Role {
	return slices.Clone(knownRoles)
}

func (r Role) Valid() bool {
	return slices.Contains(knownRoles, r)
}

// Normalize maps a raw token onto the enumeration. Unknown or empty tokens
// become guest.
func Normalize(role string) Role {
	candidate := Role(strings.ToLower(strings.TrimSpace(role)))
	if candidate.Valid() {
		return candidate
	}
	return RoleGuest
}

// RoleSet is an allow-list of roles. The empty set is meaningful: for view
// permissions it means public, for download permissions it means "inherit".
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, role := range roles {
		if role == "" {
			continue
		}
		set[role] = struct{}{}
	}
	return set
}

// ParseRoleSet builds a set from raw tokens. Blank tokens are skipped; other
// tokens are kept verbatim (lower-cased) so unknown roles in stored data still
// restrict access instead of being widened to guest.
func ParseRoleSet(tokens []string) RoleSet {
	set := make(RoleSet, len(tokens))
	for _, token := range tokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		set[Role(token)] = struct{}{}
	}
	return set
}

func (s RoleSet) Has(role Role) bool {
	_, ok := s[role]
	return ok
}

func (s RoleSet) Empty() bool {
	return len(s) == 0
}

// Slice returns the members sorted, for stable output.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for role := range s {
		out = append(out, role)
	}
	slices.Sort(out)
	return out
}

func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	*s = ParseRoleSet(tokens)
	return nil
}
