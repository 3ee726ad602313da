package model

import (
	"sort"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/bus"
	"github.com/netconsole/netconsole/pkg/codec"
)

// NumPhases is the number of exporter phases in one pipeline run.
const NumPhases = 5

// Decoder converts one wire property value to its logical form.
type Decoder func(c *codec.Codec, v dbus.Variant) interface{}

// Prop declares one logical property of a type.
type Prop struct {
	// Remote is the wire name when it differs from the logical name.
	Remote string
	Decode Decoder
	// Default is the value before the first update, and the value
	// restored when the object is reset.
	Default interface{}
	// Ref names the type of the object(s) a path or path-list value
	// points at. Referenced objects are created on first sight.
	Ref *Type
	// Trigger runs after the decoded value changed.
	Trigger func(m *Model, o *object)
}

// Type describes one kind of object in the cache.
type Type struct {
	Name string
	// Interfaces are the bus interfaces whose properties land in this
	// type's bag. The first one is the primary interface: its removal
	// drops the object.
	Interfaces []string
	Props      map[string]Prop
	// Exporters run in pipeline order; Exporters[0] also runs when an
	// object is constructed.
	Exporters [NumPhases]func(m *Model, o *object)
	// Signals maps a member of the primary interface to its handler.
	Signals map[string]func(m *Model, o *object, s bus.Signal)
	// Refresh starts a full fetch of remote state. It runs once when the
	// object is constructed and again when a handler asks for it.
	Refresh func(m *Model, o *object)
	// Drop runs just before the object leaves the cache.
	Drop func(m *Model, o *object)
	// Publish adds the object's immutable view to a snapshot.
	Publish func(o *object, s *Snapshot)
}

// Registry maps bus interfaces to types.
type Registry struct {
	types   []*Type
	byIface map[string]*Type
}

// NewRegistry builds a registry from types. Later types win when two
// declare the same interface.
func NewRegistry(types ...*Type) *Registry {
	r := &Registry{byIface: make(map[string]*Type)}
	for _, t := range types {
		r.Register(t)
	}
	return r
}

// Register adds t to the registry.
func (r *Registry) Register(t *Type) {
	r.types = append(r.types, t)
	for _, iface := range t.Interfaces {
		r.byIface[iface] = t
	}
}

// ForInterface returns the type owning iface, or nil.
func (r *Registry) ForInterface(iface string) *Type {
	return r.byIface[iface]
}

// Types returns the registered types in registration order.
func (r *Registry) Types() []*Type {
	return r.types
}

// object is one arena entry. Only the model's loop goroutine touches it.
type object struct {
	path string
	typ  *Type

	// props is the merged property bag, keyed by logical name.
	props map[string]interface{}
	// derived holds fields computed by exporters.
	derived map[string]interface{}

	// tokens holds the latest request id per refresh kind.
	tokens map[string]uint64
}

func newObject(path string, typ *Type) *object {
	o := &object{
		path:    path,
		typ:     typ,
		props:   make(map[string]interface{}, len(typ.Props)),
		derived: make(map[string]interface{}),
		tokens:  make(map[string]uint64),
	}
	for name, p := range typ.Props {
		o.props[name] = p.Default
	}
	return o
}

// nextToken issues a new request id for kind, superseding older ones.
func (o *object) nextToken(kind string) uint64 {
	o.tokens[kind]++
	return o.tokens[kind]
}

func (o *object) current(kind string, token uint64) bool {
	return o.tokens[kind] == token
}

func (o *object) str(name string) string {
	s, _ := o.props[name].(string)
	return s
}

func (o *object) u32(name string) uint32 {
	n, _ := o.props[name].(uint32)
	return n
}

func (o *object) flag(name string) bool {
	b, _ := o.props[name].(bool)
	return b
}

// ref returns a single object path property, "" for none.
func (o *object) ref(name string) string {
	s, _ := o.props[name].(string)
	return s
}

func (o *object) refs(name string) []string {
	ss, _ := o.props[name].([]string)
	return ss
}

func (o *object) derivedPaths(name string) []string {
	ss, _ := o.derived[name].([]string)
	return ss
}

func (o *object) derivedPath(name string) string {
	s, _ := o.derived[name].(string)
	return s
}

// addDerived appends path to the derived list name, keeping it sorted
// and free of duplicates.
func (o *object) addDerived(name, path string) {
	list := o.derivedPaths(name)
	i := sort.SearchStrings(list, path)
	if i < len(list) && list[i] == path {
		return
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = path
	o.derived[name] = list
}
