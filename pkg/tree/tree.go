// Package tree models a bundle of content strings as a typed recursive value.
//
// A bundle is a JSON (or YAML) document whose objects keep the key order of
// the source file. Leaves are strings; numbers and booleans are carried as
// raw literals so that a bundle survives a decode/encode round trip byte for
// byte apart from whitespace.
package tree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the shape of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindLiteral
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindLiteral:
		return "literal"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrPath is returned when a path cannot be resolved or written.
var ErrPath = errors.New("tree: invalid path")

// Value is one node of a bundle tree. The zero value is a null.
type Value struct {
	kind  Kind
	text  string
	keys  []string
	m     map[string]*Value
	items []*Value
}

// Null returns a null value.
func Null() *Value { return &Value{kind: KindNull} }

// String returns a string leaf.
func String(s string) *Value { return &Value{kind: KindString, text: s} }

// Literal returns a raw JSON literal (number or boolean).
func Literal(raw string) *Value { return &Value{kind: KindLiteral, text: raw} }

// NewMap returns an empty ordered map.
func NewMap() *Value { return &Value{kind: KindMap, m: make(map[string]*Value)} }

// NewList returns a list holding items.
func NewList(items ...*Value) *Value {
	return &Value{kind: KindList, items: append([]*Value(nil), items...)}
}

// Kind reports the shape of v. A nil Value is a null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

func (v *Value) IsNull() bool   { return v.Kind() == KindNull }
func (v *Value) IsString() bool { return v.Kind() == KindString }
func (v *Value) IsMap() bool    { return v.Kind() == KindMap }
func (v *Value) IsList() bool   { return v.Kind() == KindList }

// Text returns the string of a string leaf or the raw text of a literal.
func (v *Value) Text() string {
	if v == nil {
		return ""
	}
	return v.text
}

// Keys returns the map keys in document order.
func (v *Value) Keys() []string {
	if !v.IsMap() {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Len returns the number of map entries or list items.
func (v *Value) Len() int {
	switch v.Kind() {
	case KindMap:
		return len(v.keys)
	case KindList:
		return len(v.items)
	default:
		return 0
	}
}

// Field returns the child stored under key.
func (v *Value) Field(key string) (*Value, bool) {
	if !v.IsMap() {
		return nil, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Set stores child under key. New keys are appended; existing keys keep
// their position.
func (v *Value) Set(key string, child *Value) {
	if !v.IsMap() {
		panic("tree: Set on " + v.Kind().String())
	}
	if child == nil {
		child = Null()
	}
	if _, ok := v.m[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.m[key] = child
}

// Delete removes key and reports whether it was present.
func (v *Value) Delete(key string) bool {
	if !v.IsMap() {
		return false
	}
	if _, ok := v.m[key]; !ok {
		return false
	}
	delete(v.m, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
	return true
}

// Items returns the list items.
func (v *Value) Items() []*Value {
	if !v.IsList() {
		return nil
	}
	return append([]*Value(nil), v.items...)
}

// Append adds child to the end of a list.
func (v *Value) Append(child *Value) {
	if !v.IsList() {
		panic("tree: Append on " + v.Kind().String())
	}
	if child == nil {
		child = Null()
	}
	v.items = append(v.items, child)
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	if v == nil {
		return Null()
	}
	out := &Value{kind: v.kind, text: v.text}
	switch v.kind {
	case KindMap:
		out.keys = append([]string(nil), v.keys...)
		out.m = make(map[string]*Value, len(v.m))
		for k, child := range v.m {
			out.m[k] = child.Clone()
		}
	case KindList:
		out.items = make([]*Value, len(v.items))
		for i, child := range v.items {
			out.items[i] = child.Clone()
		}
	}
	return out
}

// Equal reports whether v and o hold the same data. Map key order is
// ignored.
func (v *Value) Equal(o *Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNull:
		return true
	case KindString, KindLiteral:
		return v.text == o.text
	case KindMap:
		if len(v.keys) != len(o.keys) {
			return false
		}
		for k, child := range v.m {
			other, ok := o.m[k]
			if !ok || !child.Equal(other) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Get resolves path from v. List items are addressed by decimal index.
func (v *Value) Get(path []string) (*Value, bool) {
	cur := v
	for _, seg := range path {
		switch cur.Kind() {
		case KindMap:
			child, ok := cur.m[seg]
			if !ok {
				return nil, false
			}
			cur = child
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.items) {
				return nil, false
			}
			cur = cur.items[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath replaces the value at path. Intermediate maps are created when
// missing; list indices must already exist.
func (v *Value) SetPath(path []string, child *Value) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrPath)
	}
	cur := v
	for i, seg := range path {
		last := i == len(path)-1
		switch cur.Kind() {
		case KindMap:
			if last {
				cur.Set(seg, child)
				return nil
			}
			next, ok := cur.m[seg]
			if !ok || (!next.IsMap() && !next.IsList()) {
				next = NewMap()
				cur.Set(seg, next)
			}
			cur = next
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.items) {
				return fmt.Errorf("%w: index %q out of range at %s", ErrPath, seg, JoinPath(path[:i]))
			}
			if last {
				if child == nil {
					child = Null()
				}
				cur.items[idx] = child
				return nil
			}
			cur = cur.items[idx]
		default:
			return fmt.Errorf("%w: %s is a %s", ErrPath, JoinPath(path[:i]), cur.Kind())
		}
	}
	return nil
}

// JoinPath renders path in dotted form.
func JoinPath(path []string) string { return strings.Join(path, ".") }

// SplitPath parses a dotted path.
func SplitPath(dotted string) []string {
	if dotted == "" {
		return nil
	}
	return strings.Split(dotted, ".")
}

// Overlay merges patch onto base and returns a new tree; neither input is
// modified. For every top-level key of patch, a null or empty-string value
// deletes the key from the result and any other value replaces the base
// entry wholesale. Nested maps are not merged. Base key order is kept and
// new keys are appended in patch order.
func Overlay(base, patch *Value) *Value {
	var out *Value
	if base.IsMap() {
		out = base.Clone()
	} else {
		out = NewMap()
	}
	if !patch.IsMap() {
		return out
	}
	for _, key := range patch.keys {
		child := patch.m[key]
		if child.IsNull() || (child.IsString() && child.text == "") {
			out.Delete(key)
			continue
		}
		out.Set(key, child.Clone())
	}
	return out
}
