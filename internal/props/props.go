// Package props implements the service property multimap: a name maps to an
// ordered set of string-or-integer values, mirroring the wire representation
// used by the publish/services/subscriptions commands.
package props

import (
	"regexp"
	"sort"
	"strconv"
)

var integerLiteral = regexp.MustCompile(`^-?(0|[1-9][0-9]*)$`)

// ValueKind distinguishes the two scalar kinds a property value may hold.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
)

// Value is a single scalar bound to a property key: either a string or a
// 64-bit integer, never both.
type Value struct {
	kind ValueKind
	str  string
	num  int64
}

// String constructs a string-kind value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int constructs an integer-kind value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// ParseValue classifies a raw literal as integer-kind iff it matches
// `-?(0|[1-9][0-9]*)`, string-kind otherwise.
func ParseValue(raw string) Value {
	if integerLiteral.MatchString(raw) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Value{kind: KindInt, num: n}
		}
	}
	return Value{kind: KindString, str: raw}
}

// Kind reports the value's scalar kind.
func (v Value) Kind() ValueKind { return v.kind }

// String returns the string content and whether v is string-kind.
func (v Value) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Int returns the integer content and whether v is int-kind.
func (v Value) Int() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.num, true
}

// Equal reports whether two values are the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	if v.kind == KindInt {
		return v.num == other.num
	}
	return v.str == other.str
}

// Raw returns the value boxed as string or int64, for encoding to JSON.
func (v Value) Raw() any {
	if v.kind == KindInt {
		return v.num
	}
	return v.str
}

// Map is a property multimap: each key binds to a set of values. Map is not
// safe for concurrent use; callers serialize access (the domain store holds
// one Map per service behind its own lock).
type Map map[string][]Value

// New builds an empty property map.
func New() Map { return make(Map) }

// Add appends a value to key, preserving insertion order and duplicates.
func (m Map) Add(key string, v Value) {
	m[key] = append(m[key], v)
}

// Has reports whether key is bound to at least one value.
func (m Map) Has(key string) bool {
	return len(m[key]) > 0
}

// Values returns the values bound to key, or nil if absent.
func (m Map) Values(key string) []Value {
	return m[key]
}

// Clone returns a deep copy safe for independent mutation.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, vs := range m {
		cp := make([]Value, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// Equal reports whether two maps bind the same keys to the same multisets of
// values (order-independent per key, as required by publish idempotence: a
// republish with reordered but identical values must not be treated as a
// modification -- P3/P7).
func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for k, vs := range m {
		ovs, ok := other[k]
		if !ok || len(vs) != len(ovs) {
			return false
		}
		if !sameMultiset(vs, ovs) {
			return false
		}
	}
	return true
}

func sameMultiset(a, b []Value) bool {
	used := make([]bool, len(b))
	for _, av := range a {
		found := false
		for i, bv := range b {
			if used[i] {
				continue
			}
			if av.Equal(bv) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Keys returns the sorted key list, for deterministic iteration/encoding.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
