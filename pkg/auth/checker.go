package auth

import (
	"fmt"
	"os/user"
	"slices"

	"github.com/netconsole/netconsole/pkg/util"
)

// Policy is the access section of the settings file. Permissions maps a
// permission name (or "all") to the users and groups holding it.
type Policy struct {
	SuperUsers  []string            `yaml:"super_users,omitempty" json:"super_users,omitempty"`
	UserGroups  map[string][]string `yaml:"user_groups,omitempty" json:"user_groups,omitempty"`
	Permissions map[string][]string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// Open reports whether the policy grants nothing explicitly, in which case
// every user may do everything.
func (p *Policy) Open() bool {
	return p == nil || (len(p.SuperUsers) == 0 && len(p.Permissions) == 0)
}

// holders returns who holds perm and whether the policy names it at all.
func (p *Policy) holders(perm Permission) ([]string, bool) {
	h, ok := p.Permissions[string(perm)]
	return h, ok
}

// member reports whether username is listed directly or through a group.
func (p *Policy) member(username string, holders []string) bool {
	for _, h := range holders {
		if h == username || slices.Contains(p.UserGroups[h], username) {
			return true
		}
	}
	return false
}

// grants decides a single permission for a user under a restrictive policy.
// Read-only permissions the policy does not mention stay open.
func (p *Policy) grants(username string, perm Permission) bool {
	if slices.Contains(p.SuperUsers, username) {
		return true
	}
	if all, ok := p.holders(PermAll); ok && p.member(username, all) {
		return true
	}
	h, named := p.holders(perm)
	if !named {
		return perm.IsReadOnly()
	}
	return p.member(username, h)
}

// Checker answers permission questions for the local user running the
// console, or for the user an HTTP request acts as.
type Checker struct {
	policy      *Policy
	currentUser string
}

// NewChecker creates a permission checker. A nil policy allows everything.
func NewChecker(policy *Policy) *Checker {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return &Checker{policy: policy, currentUser: name}
}

// SetUser overrides the acting user.
func (c *Checker) SetUser(username string) { c.currentUser = username }

// CurrentUser returns the acting user.
func (c *Checker) CurrentUser() string { return c.currentUser }

// Check is CheckUser for the acting user.
func (c *Checker) Check(permission Permission, ctx *Context) error {
	return c.CheckUser(c.currentUser, permission, ctx)
}

// CheckUser returns a *PermissionError unless username holds permission.
func (c *Checker) CheckUser(username string, permission Permission, ctx *Context) error {
	if c.policy.Open() || c.policy.grants(username, permission) {
		return nil
	}
	return &PermissionError{User: username, Permission: permission, Context: ctx}
}

// IsSuperUser reports whether the acting user is listed as a super user.
func (c *Checker) IsSuperUser() bool {
	return c.policy != nil && slices.Contains(c.policy.SuperUsers, c.currentUser)
}

// ListPermissions lists what the acting user may do.
func (c *Checker) ListPermissions() []Permission {
	return c.ListPermissionsForUser(c.currentUser)
}

// ListPermissionsForUser returns the standard permissions username holds,
// sorted, or just "all" when nothing is restricted for them.
func (c *Checker) ListPermissionsForUser(username string) []Permission {
	if c.policy.Open() || c.policy.grants(username, PermAll) {
		return []Permission{PermAll}
	}
	var perms []Permission
	for _, cat := range StandardCategories {
		for _, p := range cat.Permissions {
			if c.policy.grants(username, p) {
				perms = append(perms, p)
			}
		}
	}
	slices.Sort(perms)
	return perms
}

// PermissionError is returned when the acting user lacks a permission.
type PermissionError struct {
	User       string
	Permission Permission
	Context    *Context
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission denied: %s may not %s", e.User, e.Permission)
	if e.Context != nil {
		if e.Context.Connection != "" {
			msg += fmt.Sprintf(" connection '%s'", e.Context.Connection)
		}
		if e.Context.Interface != "" {
			msg += fmt.Sprintf(" on '%s'", e.Context.Interface)
		}
	}
	return msg
}

func (e *PermissionError) Unwrap() error {
	return util.ErrPermissionDenied
}
