// Package auth decides which local users may change the network
// configuration through the console.
package auth

// Permission names one guarded console action.
type Permission string

const (
	PermInterfaceView     Permission = "interface.view"
	PermInterfaceActivate Permission = "interface.activate"

	PermConnectionModify Permission = "connection.modify"
	PermConnectionCreate Permission = "connection.create"
	PermConnectionDelete Permission = "connection.delete"

	// PermCheckpointBypass allows re-applying a change that failed its
	// connectivity check, without checkpoint protection.
	PermCheckpointBypass Permission = "checkpoint.bypass"

	PermAuditView Permission = "audit.view"

	// PermAll stands for every permission.
	PermAll Permission = "all"
)

// PermissionCategory is a named group of permissions for listings.
type PermissionCategory struct {
	Name        string
	Description string
	Permissions []Permission
}

// StandardCategories lists every permission except PermAll.
var StandardCategories = []PermissionCategory{
	{"interface", "Interface state and activation", []Permission{PermInterfaceView, PermInterfaceActivate}},
	{"connection", "Connection profiles", []Permission{PermConnectionModify, PermConnectionCreate, PermConnectionDelete}},
	{"checkpoint", "Connectivity checkpoints", []Permission{PermCheckpointBypass}},
	{"audit", "Audit log access", []Permission{PermAuditView}},
}

// Context names the objects a checked action touches, for error messages.
type Context struct {
	Interface  string
	Connection string
}

func NewContext() *Context { return &Context{} }

func (c *Context) WithInterface(iface string) *Context {
	c.Interface = iface
	return c
}

func (c *Context) WithConnection(conn string) *Context {
	c.Connection = conn
	return c
}

// IsReadOnly reports whether the permission only reads state. A restrictive
// policy leaves read-only permissions it does not name open to everyone.
func (p Permission) IsReadOnly() bool {
	return p == PermInterfaceView || p == PermAuditView
}
