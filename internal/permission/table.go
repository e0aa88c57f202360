// Package permission holds the static role -> resource -> action table.
//
// A Table is built once at startup and never mutated afterwards, so it can
// be shared by every request goroutine without locking.
package permission

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/iliyamo/storefront-auth/internal/model"
)

//go:embed permissions.yaml
var defaultTable []byte

// Resource names a business resource, e.g. "orders".
type Resource string

// Action names an operation on a resource, e.g. "update".
type Action string

const (
	ActionView        Action = "view"
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionManageRoles Action = "manage_roles"
)

// Table is an immutable permission lookup.
type Table struct {
	grants map[model.Role]map[Resource]map[Action]struct{}
}

// Default returns the table compiled into the binary.
func Default() (*Table, error) { return Parse(defaultTable) }

// Load reads a table from path, or the compiled-in one when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML of the form role: {resource: [actions]}. Unknown roles
// are an error.
func Parse(b []byte) (*Table, error) {
	var raw map[string]map[string][]string
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return New(raw)
}

// New builds a table from plain maps, validating role names.
func New(raw map[string]map[string][]string) (*Table, error) {
	t := &Table{grants: make(map[model.Role]map[Resource]map[Action]struct{}, len(raw))}
	for roleName, resources := range raw {
		role, err := model.ParseRole(roleName)
		if err != nil {
			return nil, fmt.Errorf("permissions: %w", err)
		}
		byRes := make(map[Resource]map[Action]struct{}, len(resources))
		for res, actions := range resources {
			set := make(map[Action]struct{}, len(actions))
			for _, a := range actions {
				set[Action(a)] = struct{}{}
			}
			byRes[Resource(res)] = set
		}
		t.grants[role] = byRes
	}
	return t, nil
}

func (t *Table) HasPermission(role model.Role, res Resource, action Action) bool {
	if role == model.RoleSuperAdmin {
		return true
	}
	_, ok := t.grants[role][res][action]
	return ok
}

// HasAnyPermission reports whether at least one action is granted.
func (t *Table) HasAnyPermission(role model.Role, res Resource, actions ...Action) bool {
	for _, a := range actions {
		if t.HasPermission(role, res, a) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every action is granted. An empty list
// is only satisfied by a role that has the resource at all.
func (t *Table) HasAllPermissions(role model.Role, res Resource, actions ...Action) bool {
	if role != model.RoleSuperAdmin {
		if _, ok := t.grants[role][res]; !ok {
			return false
		}
	}
	for _, a := range actions {
		if !t.HasPermission(role, res, a) {
			return false
		}
	}
	return true
}

// RolePermissions returns a copy of the grants for role with actions
// sorted. super_admin gets the union of every resource in the table plus
// manage_roles on users.
func (t *Table) RolePermissions(role model.Role) map[Resource][]Action {
	out := make(map[Resource][]Action)
	add := func(res Resource, set map[Action]struct{}) {
		seen := make(map[Action]struct{}, len(out[res])+len(set))
		for _, a := range out[res] {
			seen[a] = struct{}{}
		}
		for a := range set {
			seen[a] = struct{}{}
		}
		list := make([]Action, 0, len(seen))
		for a := range seen {
			list = append(list, a)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		out[res] = list
	}
	if role == model.RoleSuperAdmin {
		for _, byRes := range t.grants {
			for res, set := range byRes {
				add(res, set)
			}
		}
		add("users", map[Action]struct{}{
			ActionView: {}, ActionCreate: {}, ActionUpdate: {}, ActionDelete: {}, ActionManageRoles: {},
		})
		return out
	}
	for res, set := range t.grants[role] {
		add(res, set)
	}
	return out
}

// IsAdminRole reports whether role belongs to back-office staff.
func IsAdminRole(role model.Role) bool {
	switch role {
	case model.RoleSuperAdmin, model.RoleAdmin, model.RoleManager, model.RoleSalesStaff:
		return true
	}
	return false
}
