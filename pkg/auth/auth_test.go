package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/netconsole/netconsole/pkg/util"
)

func testPolicy() *Policy {
	return &Policy{
		SuperUsers: []string{"root"},
		UserGroups: map[string][]string{
			"netops": {"alice", "bob"},
		},
		Permissions: map[string][]string{
			"interface.activate": {"netops"},
			"connection.modify":  {"alice"},
			"audit.view":         {"carol"},
		},
	}
}

func TestContext_Chaining(t *testing.T) {
	ctx := NewContext().WithInterface("eth0").WithConnection("uplink")
	if ctx.Interface != "eth0" || ctx.Connection != "uplink" {
		t.Errorf("context = %+v", ctx)
	}
}

func TestChecker_OpenPolicy(t *testing.T) {
	for _, p := range []*Policy{nil, {}, {UserGroups: map[string][]string{"g": {"x"}}}} {
		c := NewChecker(p)
		c.SetUser("anyone")
		if err := c.Check(PermConnectionDelete, nil); err != nil {
			t.Errorf("open policy %+v denied: %v", p, err)
		}
		if got := c.ListPermissions(); len(got) != 1 || got[0] != PermAll {
			t.Errorf("ListPermissions() = %v, want [all]", got)
		}
	}
}

func TestChecker_Permissions(t *testing.T) {
	c := NewChecker(testPolicy())

	tests := []struct {
		user string
		perm Permission
		ok   bool
	}{
		{"root", PermCheckpointBypass, true},
		{"alice", PermInterfaceActivate, true},
		{"bob", PermInterfaceActivate, true},
		{"alice", PermConnectionModify, true},
		{"bob", PermConnectionModify, false},
		{"carol", PermAuditView, true},
		{"carol", PermInterfaceActivate, false},
		{"mallory", PermInterfaceView, true},
		{"mallory", PermAuditView, false},
		{"mallory", PermConnectionCreate, false},
	}
	for _, tt := range tests {
		err := c.CheckUser(tt.user, tt.perm, nil)
		if (err == nil) != tt.ok {
			t.Errorf("CheckUser(%q, %q) = %v, want ok=%v", tt.user, tt.perm, err, tt.ok)
		}
	}
}

func TestChecker_AllWildcard(t *testing.T) {
	p := testPolicy()
	p.Permissions["all"] = []string{"dave"}
	c := NewChecker(p)
	if err := c.CheckUser("dave", PermConnectionDelete, nil); err != nil {
		t.Errorf("dave with 'all' denied: %v", err)
	}
}

func TestChecker_NamedReadPermission(t *testing.T) {
	p := testPolicy()
	p.Permissions["interface.view"] = []string{"netops"}
	c := NewChecker(p)
	if err := c.CheckUser("bob", PermInterfaceView, nil); err != nil {
		t.Errorf("bob denied interface.view: %v", err)
	}
	if err := c.CheckUser("mallory", PermInterfaceView, nil); err == nil {
		t.Error("mallory allowed interface.view once the policy names it")
	}
}

func TestChecker_PermissionError(t *testing.T) {
	c := NewChecker(testPolicy())
	c.SetUser("mallory")
	if c.CurrentUser() != "mallory" || c.IsSuperUser() {
		t.Fatalf("CurrentUser() = %q", c.CurrentUser())
	}

	err := c.Check(PermConnectionDelete, NewContext().WithConnection("uplink").WithInterface("eth0"))
	if err == nil {
		t.Fatal("Check() succeeded for mallory")
	}
	if !errors.Is(err, util.ErrPermissionDenied) {
		t.Errorf("error %v does not wrap ErrPermissionDenied", err)
	}
	var pe *PermissionError
	if !errors.As(err, &pe) || pe.Permission != PermConnectionDelete {
		t.Errorf("error = %#v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "'uplink'") || !strings.Contains(msg, "'eth0'") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestChecker_ListPermissions(t *testing.T) {
	c := NewChecker(testPolicy())
	got := c.ListPermissionsForUser("alice")
	want := []Permission{PermConnectionModify, PermInterfaceActivate, PermInterfaceView}
	if len(got) != len(want) {
		t.Fatalf("ListPermissionsForUser(alice) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListPermissionsForUser(alice)[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := c.ListPermissionsForUser("root"); len(got) != 1 || got[0] != PermAll {
		t.Errorf("ListPermissionsForUser(root) = %v", got)
	}
}

func TestPermission_IsReadOnly(t *testing.T) {
	if !PermInterfaceView.IsReadOnly() || !PermAuditView.IsReadOnly() {
		t.Error("view permissions should be read-only")
	}
	if PermConnectionModify.IsReadOnly() {
		t.Error("connection.modify should not be read-only")
	}
}
