// Package testutil provides test helpers: an in-memory bus for unit tests
// and Redis helpers for integration tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/bus"
	"github.com/netconsole/netconsole/pkg/codec"
)

const connectionInterface = "org.freedesktop.NetworkManager.Settings.Connection"

// Handler answers one method call. The returned values become the reply
// body.
type Handler func(path string, args []interface{}) ([]interface{}, error)

// Call records one method call made through a FakeBus.
type Call struct {
	Path      string
	Interface string
	Method    string
	Args      []interface{}
}

type fakeSub struct {
	filter  bus.Filter
	handler func(bus.Signal)
}

type fakeWatch struct {
	filter  bus.Filter
	handler func(bus.Update)
}

// FakeBus is a scriptable in-memory bus.Client. Objects are property bags
// keyed by path and interface; Get, GetAll and GetSettings are served from
// them unless a handler overrides the method.
//
// Watch replays the current objects synchronously. SetProps, RemoveObject,
// Emit and SetOwner deliver to handlers on the caller's goroutine.
type FakeBus struct {
	mu         sync.Mutex
	endianness byte
	objects    map[string]map[string]map[string]dbus.Variant
	settings   map[string]codec.Raw
	handlers   map[string]Handler
	calls      []Call
	nextID     int
	subs       map[int]fakeSub
	watches    map[int]fakeWatch
	owners     map[int]func(string)
	closed     bool
}

// NewFakeBus returns an empty little-endian bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		endianness: 'l',
		objects:    make(map[string]map[string]map[string]dbus.Variant),
		settings:   make(map[string]codec.Raw),
		handlers:   make(map[string]Handler),
		subs:       make(map[int]fakeSub),
		watches:    make(map[int]fakeWatch),
		owners:     make(map[int]func(string)),
	}
}

// SetEndianness sets the byte-order flag carried by every reply.
func (b *FakeBus) SetEndianness(flag byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endianness = flag
}

// SetProps merges props into the bag for (path, iface) and notifies
// watchers. Plain values are wrapped in variants.
func (b *FakeBus) SetProps(path, iface string, props map[string]interface{}) {
	wire := make(map[string]dbus.Variant, len(props))
	b.mu.Lock()
	ifaces := b.objects[path]
	if ifaces == nil {
		ifaces = make(map[string]map[string]dbus.Variant)
		b.objects[path] = ifaces
	}
	bag := ifaces[iface]
	if bag == nil {
		bag = make(map[string]dbus.Variant)
		ifaces[iface] = bag
	}
	for k, v := range props {
		vv, ok := v.(dbus.Variant)
		if !ok {
			vv = dbus.MakeVariant(v)
		}
		bag[k] = vv
		wire[k] = vv
	}
	watches := b.matchingWatches(path)
	b.mu.Unlock()

	for _, w := range watches {
		w.handler(bus.Update{Path: path, Interface: iface, Props: copyProps(wire)})
	}
}

// SetObject is SetProps for a fresh object.
func (b *FakeBus) SetObject(path, iface string, props map[string]interface{}) {
	b.SetProps(path, iface, props)
}

// RemoveObject deletes every interface of path and notifies watchers.
func (b *FakeBus) RemoveObject(path string) {
	b.mu.Lock()
	var ifaces []string
	for iface := range b.objects[path] {
		ifaces = append(ifaces, iface)
	}
	sort.Strings(ifaces)
	delete(b.objects, path)
	delete(b.settings, path)
	watches := b.matchingWatches(path)
	b.mu.Unlock()

	for _, w := range watches {
		for _, iface := range ifaces {
			w.handler(bus.Update{Path: path, Interface: iface, Removed: true})
		}
	}
}

// SetSettings sets the bundle GetSettings returns for path.
func (b *FakeBus) SetSettings(path string, raw codec.Raw) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings[path] = raw
}

// Handle installs fn for every call of iface.method.
func (b *FakeBus) Handle(iface, method string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[iface+"."+method] = fn
}

// HandlePath installs fn for calls of iface.method on one path. It takes
// precedence over Handle.
func (b *FakeBus) HandlePath(path, iface, method string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[path+" "+iface+"."+method] = fn
}

// Emit delivers sig to matching subscribers.
func (b *FakeBus) Emit(sig bus.Signal) {
	b.mu.Lock()
	var subs []fakeSub
	for _, id := range sortedIDs(b.subs) {
		s := b.subs[id]
		if s.filter.Matches(sig.Path, sig.Interface, sig.Member) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.handler(sig)
	}
}

// SetOwner reports a change of service owner; "" means the service left.
func (b *FakeBus) SetOwner(owner string) {
	b.mu.Lock()
	var hs []func(string)
	for _, id := range sortedIDs(b.owners) {
		hs = append(hs, b.owners[id])
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(owner)
	}
}

// Calls returns the recorded calls of method, or all calls when method
// is empty.
func (b *FakeBus) Calls(method string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Subscriptions returns the number of live signal subscriptions.
func (b *FakeBus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Call implements bus.Client.
func (b *FakeBus) Call(ctx context.Context, path, iface, method string, args ...interface{}) (*bus.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	b.calls = append(b.calls, Call{Path: path, Interface: iface, Method: method, Args: args})
	h := b.handlers[path+" "+iface+"."+method]
	if h == nil {
		h = b.handlers[iface+"."+method]
	}
	flag := b.endianness
	b.mu.Unlock()

	if h == nil {
		h = b.builtin(iface, method)
	}
	if h == nil {
		return nil, dbus.Error{
			Name: "org.freedesktop.DBus.Error.UnknownMethod",
			Body: []interface{}{fmt.Sprintf("no method %s.%s on %s", iface, method, path)},
		}
	}
	body, err := h(path, args)
	if err != nil {
		return nil, err
	}
	return &bus.Reply{Body: body, Endianness: flag}, nil
}

func (b *FakeBus) builtin(iface, method string) Handler {
	switch {
	case iface == bus.PropertiesInterface && method == "Get":
		return b.get
	case iface == bus.PropertiesInterface && method == "GetAll":
		return b.getAll
	case iface == connectionInterface && method == "GetSettings":
		return b.getSettings
	}
	return nil
}

func (b *FakeBus) get(path string, args []interface{}) ([]interface{}, error) {
	iface, name := argString(args, 0), argString(args, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[path][iface][name]
	if !ok {
		return nil, unknownProperty(path, iface, name)
	}
	return []interface{}{v}, nil
}

func (b *FakeBus) getAll(path string, args []interface{}) ([]interface{}, error) {
	iface := argString(args, 0)
	b.mu.Lock()
	defer b.mu.Unlock()
	bag, ok := b.objects[path][iface]
	if !ok {
		return nil, dbus.Error{
			Name: "org.freedesktop.DBus.Error.UnknownObject",
			Body: []interface{}{fmt.Sprintf("no interface %s on %s", iface, path)},
		}
	}
	return []interface{}{copyProps(bag)}, nil
}

func (b *FakeBus) getSettings(path string, _ []interface{}) ([]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.settings[path]
	if !ok {
		return nil, dbus.Error{
			Name: "org.freedesktop.NetworkManager.Settings.InvalidConnection",
			Body: []interface{}{"no settings for " + path},
		}
	}
	return []interface{}{raw}, nil
}

// Subscribe implements bus.Client.
func (b *FakeBus) Subscribe(filter bus.Filter, handler func(bus.Signal)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fakeSub{filter: filter, handler: handler}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

// Watch implements bus.Client.
func (b *FakeBus) Watch(ctx context.Context, filter bus.Filter, handler func(bus.Update)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.watches[id] = fakeWatch{filter: filter, handler: handler}

	var replay []bus.Update
	paths := make([]string, 0, len(b.objects))
	for p := range b.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if !filter.Matches(p, "", "") {
			continue
		}
		ifaces := make([]string, 0, len(b.objects[p]))
		for i := range b.objects[p] {
			ifaces = append(ifaces, i)
		}
		sort.Strings(ifaces)
		for _, i := range ifaces {
			replay = append(replay, bus.Update{Path: p, Interface: i, Props: copyProps(b.objects[p][i])})
		}
	}
	b.mu.Unlock()

	for _, u := range replay {
		handler(u)
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.watches, id)
	}, nil
}

// OnOwnerChanged implements bus.Client.
func (b *FakeBus) OnOwnerChanged(handler func(owner string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.owners[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.owners, id)
	}
}

// Close implements bus.Client.
func (b *FakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// matchingWatches must be called with mu held.
func (b *FakeBus) matchingWatches(path string) []fakeWatch {
	var out []fakeWatch
	for _, id := range sortedIDs(b.watches) {
		w := b.watches[id]
		if w.filter.Matches(path, "", "") {
			out = append(out, w)
		}
	}
	return out
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func copyProps(in map[string]dbus.Variant) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func argString(args []interface{}, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

func unknownProperty(path, iface, name string) error {
	return dbus.Error{
		Name: "org.freedesktop.DBus.Error.UnknownProperty",
		Body: []interface{}{fmt.Sprintf("no property %s.%s on %s", iface, name, path)},
	}
}
