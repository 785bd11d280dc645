package record

import (
	"sort"
	"strings"
)

// Row is an ordered, immutable key to Value map. The zero Row is empty and
// ready to use.
type Row struct {
	keys []string
	vals map[string]Value
}

// Get returns the value stored under key.
func (r Row) Get(key string) (Value, bool) {
	v, ok := r.vals[key]
	return v, ok
}

// Value returns the value under key or Null.
func (r Row) Value(key string) Value {
	return r.vals[key]
}

// Has reports whether key is present.
func (r Row) Has(key string) bool {
	_, ok := r.vals[key]
	return ok
}

// Len returns the number of keys.
func (r Row) Len() int { return len(r.keys) }

// Keys returns the keys in insertion order.
func (r Row) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (r Row) Range(fn func(key string, v Value) bool) {
	for _, k := range r.keys {
		if !fn(k, r.vals[k]) {
			return
		}
	}
}

// HasPrefix reports whether any key starts with prefix.
func (r Row) HasPrefix(prefix string) bool {
	for _, k := range r.keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// With returns a copy of r with key set to v. Existing keys keep their
// position.
func (r Row) With(key string, v Value) Row {
	b := From(r)
	b.Set(key, v)
	return b.Row()
}

// Without returns a copy of r with the given keys removed.
func (r Row) Without(keys ...string) Row {
	b := From(r)
	for _, k := range keys {
		b.Delete(k)
	}
	return b.Row()
}

// Merge returns r with every entry of o applied on top, left to right.
func (r Row) Merge(o Row) Row {
	b := From(r)
	o.Range(func(k string, v Value) bool {
		b.Set(k, v)
		return true
	})
	return b.Row()
}

// Strings renders every value as its cell text.
func (r Row) Strings() map[string]string {
	out := make(map[string]string, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.vals[k].String()
	}
	return out
}

// Equal reports whether both rows hold the same keys in the same order with
// equal values.
func (r Row) Equal(o Row) bool {
	if len(r.keys) != len(o.keys) {
		return false
	}
	for i, k := range r.keys {
		if o.keys[i] != k {
			return false
		}
		if !r.vals[k].Equal(o.vals[k]) {
			return false
		}
	}
	return true
}

// Builder assembles a Row. It is not safe for concurrent use and is meant to
// live inside a single pure transform.
type Builder struct {
	keys []string
	vals map[string]Value
}

// NewBuilder returns an empty builder.
func NewBuilder(capacity int) *Builder {
	return &Builder{keys: make([]string, 0, capacity), vals: make(map[string]Value, capacity)}
}

// From seeds a builder with the contents of r.
func From(r Row) *Builder {
	b := NewBuilder(len(r.keys) + 8)
	for _, k := range r.keys {
		b.keys = append(b.keys, k)
		b.vals[k] = r.vals[k]
	}
	return b
}

// Set stores v under key.
func (b *Builder) Set(key string, v Value) {
	if _, ok := b.vals[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.vals[key] = v
}

// SetDefault stores v only when key is absent.
func (b *Builder) SetDefault(key string, v Value) {
	if _, ok := b.vals[key]; ok {
		return
	}
	b.Set(key, v)
}

// Get returns the current value for key.
func (b *Builder) Get(key string) (Value, bool) {
	v, ok := b.vals[key]
	return v, ok
}

// Delete removes key.
func (b *Builder) Delete(key string) {
	if _, ok := b.vals[key]; !ok {
		return
	}
	delete(b.vals, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
}

// Row freezes the builder contents into a Row. The builder may keep being
// used; later writes do not affect the returned Row.
func (b *Builder) Row() Row {
	keys := make([]string, len(b.keys))
	copy(keys, b.keys)
	vals := make(map[string]Value, len(b.vals))
	for k, v := range b.vals {
		vals[k] = v
	}
	return Row{keys: keys, vals: vals}
}

// FromStrings builds a row of scalars in the given column order.
func FromStrings(columns []string, cells map[string]string) Row {
	b := NewBuilder(len(columns))
	for _, c := range columns {
		if v, ok := cells[c]; ok {
			b.Set(c, Scalar(v))
		}
	}
	return b.Row()
}

// FromJSON converts a decoded JSON object into a Row. Keys are sorted for a
// deterministic order. Nested objects are merged into the top level without
// overriding keys set directly on the outer object.
func FromJSON(payload map[string]any) Row {
	b := NewBuilder(len(payload))
	mergeJSON(b, payload, true)
	return b.Row()
}

func mergeJSON(b *Builder, payload map[string]any, top bool) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var nested []map[string]any
	for _, k := range keys {
		if m, ok := payload[k].(map[string]any); ok {
			nested = append(nested, m)
			continue
		}
		if top {
			b.Set(k, FromAny(payload[k]))
		} else {
			b.SetDefault(k, FromAny(payload[k]))
		}
	}
	for _, m := range nested {
		mergeJSON(b, m, false)
	}
}
