package codec

import (
	"github.com/godbus/dbus/v5"
)

// Section is one settings block on the wire (a{sv}).
type Section = map[string]dbus.Variant

// Raw is a complete settings bundle on the wire (a{sa{sv}}).
type Raw = map[string]Section

// store converts a generic wire value into dest using godbus's own
// conversion rules, so both freshly unmarshalled values ([]interface{}
// structs) and values we built ourselves decode the same way.
func store(v dbus.Variant, dest interface{}) bool {
	if v.Value() == nil {
		return false
	}
	return dbus.Store([]interface{}{v.Value()}, dest) == nil
}

func getString(sec Section, key string) string {
	var s string
	if v, ok := sec[key]; ok {
		store(v, &s)
	}
	return s
}

func getBool(sec Section, key string, def bool) bool {
	b := def
	if v, ok := sec[key]; ok {
		store(v, &b)
	}
	return b
}

func getUint32(sec Section, key string) uint32 {
	var n uint32
	if v, ok := sec[key]; ok {
		store(v, &n)
	}
	return n
}

func getUint64(sec Section, key string) uint64 {
	var n uint64
	if v, ok := sec[key]; ok {
		store(v, &n)
	}
	return n
}

func getBytes(sec Section, key string) []byte {
	var b []byte
	if v, ok := sec[key]; ok {
		store(v, &b)
	}
	return b
}

func getStrings(sec Section, key string) []string {
	var ss []string
	if v, ok := sec[key]; ok {
		store(v, &ss)
	}
	return ss
}

func getStringMap(sec Section, key string) map[string]string {
	var m map[string]string
	if v, ok := sec[key]; ok {
		store(v, &m)
	}
	return m
}

// setOrDelete writes value under key, or removes key when keep is false.
func setOrDelete(sec Section, key string, value interface{}, keep bool) {
	if !keep {
		delete(sec, key)
		return
	}
	sec[key] = dbus.MakeVariant(value)
}

// cloneRaw copies the two map levels of a bundle. Variants are immutable
// once built and are shared.
func cloneRaw(raw Raw) Raw {
	out := make(Raw, len(raw))
	for name, sec := range raw {
		cp := make(Section, len(sec))
		for k, v := range sec {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}
