// Package bus is the remote object store the model is built on: method
// calls, signal subscriptions, and a property watch feed over D-Bus,
// together with owner tracking for the NetworkManager service.
//
// The model only sees the Client interface. DBusClient implements it on a
// godbus connection to the local system or session bus, or to a remote
// host's system bus carried over SSH (see DialSSH).
package bus

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Well-known names.
const (
	ServiceName            = "org.freedesktop.NetworkManager"
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	ObjectManagerPath      = "/org/freedesktop"
)

// Reply is the body of a successful method call. Endianness is the
// D-Bus byte-order flag ('l' or 'B') of the host that produced it.
type Reply struct {
	Body       []interface{}
	Endianness byte
}

// Store copies the reply body into dest using godbus conversion rules.
func (r *Reply) Store(dest ...interface{}) error {
	return dbus.Store(r.Body, dest...)
}

// Signal is a signal delivered to a Subscribe handler.
type Signal struct {
	Path      string
	Interface string
	Member    string
	Body      []interface{}
}

// Filter selects signals or watched objects. Empty fields match anything.
type Filter struct {
	Path          string
	PathNamespace string
	Interface     string
	Member        string
}

// Matches reports whether a signal with the given coordinates passes f.
func (f Filter) Matches(path, iface, member string) bool {
	if f.Path != "" && f.Path != path {
		return false
	}
	if f.PathNamespace != "" && path != f.PathNamespace &&
		!strings.HasPrefix(path, strings.TrimSuffix(f.PathNamespace, "/")+"/") {
		return false
	}
	if f.Interface != "" && f.Interface != iface {
		return false
	}
	if f.Member != "" && f.Member != member {
		return false
	}
	return true
}

// Update is one batch of property values for one interface of one object,
// as delivered by Watch. Removed means the interface (or, with an empty
// Interface, the whole object) went away.
type Update struct {
	Path      string
	Interface string
	Props     map[string]dbus.Variant
	Removed   bool
}

// Caller invokes methods on remote objects.
type Caller interface {
	// Call invokes method on the object at path.
	Call(ctx context.Context, path, iface, method string, args ...interface{}) (*Reply, error)
}

// Client is the remote object store contract. Every method may fail and
// handlers are called from a goroutine owned by the client.
type Client interface {
	Caller

	// Subscribe delivers matching signals to handler until the returned
	// function is called.
	Subscribe(filter Filter, handler func(Signal)) (func(), error)

	// Watch delivers the current properties of every object under the
	// filter, then every subsequent change, until the returned function
	// is called.
	Watch(ctx context.Context, filter Filter, handler func(Update)) (func(), error)

	// OnOwnerChanged calls handler with the new unique name of the
	// service owner, or "" when the service disappears.
	OnOwnerChanged(handler func(owner string)) func()

	Close() error
}
