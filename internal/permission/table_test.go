package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/storefront-auth/internal/model"
)

func TestDefaultTableLoads(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)

	assert.True(t, tbl.HasPermission(model.RoleAdmin, "products", ActionDelete))
	assert.True(t, tbl.HasPermission(model.RoleManager, "orders", ActionUpdate))
	assert.False(t, tbl.HasPermission(model.RoleManager, "orders", ActionDelete))
	assert.False(t, tbl.HasPermission(model.RoleAdmin, "users", ActionManageRoles))
	assert.False(t, tbl.HasPermission(model.RoleUser, "products", ActionView))
	assert.False(t, tbl.HasPermission(model.RoleEmployee, "dashboard", ActionView))
}

func TestSuperAdminBypassesTable(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)
	for _, res := range []Resource{"users", "orders", "unknown_resource"} {
		for _, a := range []Action{ActionView, ActionDelete, "launch_rockets"} {
			assert.True(t, tbl.HasPermission(model.RoleSuperAdmin, res, a))
		}
	}
	assert.True(t, tbl.HasAllPermissions(model.RoleSuperAdmin, "anything"))
}

// Every tuple not listed in the table is denied for non super_admin roles.
func TestUnlistedTuplesAreDenied(t *testing.T) {
	raw := map[string]map[string][]string{
		"admin":   {"products": {"view"}},
		"manager": {"orders": {"view", "update"}},
	}
	tbl, err := New(raw)
	require.NoError(t, err)

	resources := []Resource{"products", "orders", "users", "news"}
	actions := []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionManageRoles}
	for _, role := range model.Roles {
		if role == model.RoleSuperAdmin {
			continue
		}
		for _, res := range resources {
			for _, a := range actions {
				listed := false
				for _, x := range raw[string(role)][string(res)] {
					if Action(x) == a {
						listed = true
					}
				}
				assert.Equal(t, listed, tbl.HasPermission(role, res, a), "%s %s %s", role, res, a)
			}
		}
	}
}

func TestAnyAndAll(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)

	assert.True(t, tbl.HasAnyPermission(model.RoleSalesStaff, "orders", ActionDelete, ActionUpdate))
	assert.False(t, tbl.HasAnyPermission(model.RoleSalesStaff, "orders", ActionDelete, ActionCreate))
	assert.True(t, tbl.HasAllPermissions(model.RoleAdmin, "news", ActionView, ActionCreate))
	assert.False(t, tbl.HasAllPermissions(model.RoleAdmin, "orders", ActionView, ActionDelete))
	assert.False(t, tbl.HasAllPermissions(model.RoleUser, "orders"))
}

func TestUnknownRoleRejectedAtLoad(t *testing.T) {
	_, err := Parse([]byte("owner:\n  products: [view]\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("admin: [not, a, map]"))
	assert.Error(t, err)
}

func TestRolePermissions(t *testing.T) {
	tbl, err := Default()
	require.NoError(t, err)

	perms := tbl.RolePermissions(model.RoleManager)
	assert.Equal(t, []Action{ActionUpdate, ActionView}, perms["orders"])
	assert.Empty(t, tbl.RolePermissions(model.RoleUser))

	sa := tbl.RolePermissions(model.RoleSuperAdmin)
	assert.Contains(t, sa["users"], ActionManageRoles)
	assert.Contains(t, sa["products"], ActionDelete)

	// returned maps are copies
	perms["orders"][0] = "mutated"
	assert.True(t, tbl.HasPermission(model.RoleManager, "orders", ActionUpdate))
}

func TestIsAdminRole(t *testing.T) {
	assert.True(t, IsAdminRole(model.RoleSalesStaff))
	assert.True(t, IsAdminRole(model.RoleSuperAdmin))
	assert.False(t, IsAdminRole(model.RoleEmployee))
	assert.False(t, IsAdminRole(model.RoleUser))
}
