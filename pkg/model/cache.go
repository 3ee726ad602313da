package model

import (
	"reflect"
	"sort"

	"github.com/godbus/dbus/v5"

	"github.com/netconsole/netconsole/pkg/util"
)

// InterfacePrefix is the key prefix of synthetic Interface objects.
const InterfacePrefix = "interface:"

// get returns the live object at path, constructing it if needed. A new
// object starts with every declared default, runs its phase-0 exporter,
// then starts its refresh.
func (m *Model) get(path string, typ *Type) *object {
	if o, ok := m.objects[path]; ok {
		return o
	}
	o := newObject(path, typ)
	m.objects[path] = o
	if fn := typ.Exporters[0]; fn != nil {
		fn(m, o)
	}
	if typ.Refresh != nil {
		typ.Refresh(m, o)
	}
	return o
}

// peek returns the live object at path without constructing it.
func (m *Model) peek(path string) *object {
	return m.objects[path]
}

// drop removes the object at path and schedules a re-export.
func (m *Model) drop(path string) {
	if m.remove(path) {
		m.scheduleExport()
	}
}

// remove runs the drop hook and deletes path. It reports whether an
// object was removed.
func (m *Model) remove(path string) bool {
	o, ok := m.objects[path]
	if !ok {
		return false
	}
	if o.typ.Drop != nil {
		o.typ.Drop(m, o)
	}
	delete(m.objects, path)
	util.WithPath(path).Debugf("dropped %s", o.typ.Name)
	return true
}

// getInterface returns the synthetic Interface for name, creating it.
func (m *Model) getInterface(name string) *object {
	return m.get(InterfacePrefix+name, m.types.Interface)
}

func (m *Model) peekInterface(name string) *object {
	return m.peek(InterfacePrefix + name)
}

// sortedObjects returns every live object ordered by path.
func (m *Model) sortedObjects() []*object {
	out := make([]*object, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// applyProps decodes a batch of wire values into o's bag. The whole batch
// is decoded first and then assigned, so the pipeline never sees half of
// an update. Triggers run after assignment, once per changed property.
func (m *Model) applyProps(o *object, wire map[string]dbus.Variant) bool {
	type change struct {
		name  string
		prop  Prop
		value interface{}
	}
	var changes []change
	for name, p := range o.typ.Props {
		if p.Decode == nil {
			continue
		}
		remote := p.Remote
		if remote == "" {
			remote = name
		}
		v, ok := wire[remote]
		if !ok {
			continue
		}
		value := p.Decode(m.codec(), v)
		if reflect.DeepEqual(o.props[name], value) {
			continue
		}
		changes = append(changes, change{name: name, prop: p, value: value})
	}
	if len(changes) == 0 {
		return false
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].name < changes[j].name })
	for _, c := range changes {
		o.props[c.name] = c.value
	}
	for _, c := range changes {
		if c.prop.Ref != nil {
			m.ensureRefs(c.prop.Ref, c.value)
		}
	}
	for _, c := range changes {
		if c.prop.Trigger != nil {
			c.prop.Trigger(m, o)
		}
	}
	return true
}

func (m *Model) ensureRefs(typ *Type, value interface{}) {
	switch v := value.(type) {
	case string:
		if v != "" {
			m.get(v, typ)
		}
	case []string:
		for _, p := range v {
			if p != "" {
				m.get(p, typ)
			}
		}
	}
}
