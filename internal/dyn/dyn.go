// Package dyn implements the dynamic configuration tree: a heterogeneous
// object/array/scalar document with case-insensitive key lookup, ordered
// keys, deep clone, and the two merge disciplines the assembler needs
// (patching and variable merging).
package dyn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map is a JSON-style object that preserves key insertion order and resolves
// keys case-insensitively. Values are *Map, []interface{}, or scalars
// (string, bool, int, int64, float64, nil).
type Map struct {
	keys []string
	vals map[string]interface{}
}

// NewMap returns an empty object.
func NewMap() *Map {
	return &Map{vals: make(map[string]interface{})}
}

// Len returns the number of keys.
func (m *Map) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order. The slice is shared; callers
// must not mutate it.
func (m *Map) Keys() []string { return m.keys }

// resolveKey returns the stored key matching name case-insensitively.
func (m *Map) resolveKey(name string) (string, bool) {
	if _, ok := m.vals[name]; ok {
		return name, true
	}
	for _, k := range m.keys {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// Has reports whether a key is present, case-insensitively.
func (m *Map) Has(name string) bool {
	_, ok := m.resolveKey(name)
	return ok
}

// Get returns the value stored under name, case-insensitively.
func (m *Map) Get(name string) (interface{}, bool) {
	k, ok := m.resolveKey(name)
	if !ok {
		return nil, false
	}
	return m.vals[k], true
}

// GetMap returns the object stored under name, or nil when absent or not an
// object.
func (m *Map) GetMap(name string) *Map {
	v, ok := m.Get(name)
	if !ok {
		return nil
	}
	obj, _ := v.(*Map)
	return obj
}

// GetSlice returns the array stored under name, or nil.
func (m *Map) GetSlice(name string) []interface{} {
	v, ok := m.Get(name)
	if !ok {
		return nil
	}
	arr, _ := v.([]interface{})
	return arr
}

// GetString returns the string stored under name, or "".
func (m *Map) GetString(name string) string {
	v, ok := m.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set stores a value. When a key already exists case-insensitively, its
// original spelling and position are kept; otherwise the key is appended.
func (m *Map) Set(name string, v interface{}) {
	if m.vals == nil {
		m.vals = make(map[string]interface{})
	}
	if k, ok := m.resolveKey(name); ok {
		m.vals[k] = v
		return
	}
	m.keys = append(m.keys, name)
	m.vals[name] = v
}

// Delete removes a key, case-insensitively.
func (m *Map) Delete(name string) {
	k, ok := m.resolveKey(name)
	if !ok {
		return
	}
	delete(m.vals, k)
	for i, key := range m.keys {
		if key == k {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// MarshalJSON renders the object with keys in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Parse decodes a JSON or YAML document into a dynamic tree. YAML is a
// superset of JSON, so a single decoder covers both.
func Parse(data []byte) (*Map, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	v, err := FromYAMLNode(&node)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Map)
	if !ok {
		return nil, fmt.Errorf("document root is not an object")
	}
	return obj, nil
}

// FromYAMLNode converts a decoded yaml.Node into dynamic tree values,
// preserving mapping key order.
func FromYAMLNode(node *yaml.Node) (interface{}, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return FromYAMLNode(node.Content[0])
	case yaml.MappingNode:
		obj := NewMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			var key string
			if err := node.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("failed to decode mapping key: %w", err)
			}
			val, err := FromYAMLNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			obj.Set(key, val)
		}
		return obj, nil
	case yaml.SequenceNode:
		arr := make([]interface{}, 0, len(node.Content))
		for _, item := range node.Content {
			val, err := FromYAMLNode(item)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		return arr, nil
	case yaml.AliasNode:
		return FromYAMLNode(node.Alias)
	default:
		var v interface{}
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("failed to decode scalar: %w", err)
		}
		return v, nil
	}
}

// ToPlain converts a dynamic tree into plain map[string]interface{} /
// []interface{} values, the shape schema validation, template rendering,
// and struct decoding expect. Key order is lost.
func ToPlain(v interface{}) interface{} {
	switch t := v.(type) {
	case *Map:
		out := make(map[string]interface{}, t.Len())
		for _, k := range t.keys {
			out[k] = ToPlain(t.vals[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = ToPlain(item)
		}
		return out
	default:
		return v
	}
}

// FromPlain converts plain decoded values into the dynamic tree form. Map
// key order follows Go map iteration and is therefore unspecified; use
// Parse when order matters.
func FromPlain(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		obj := NewMap()
		for k, val := range t {
			obj.Set(k, FromPlain(val))
		}
		return obj
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = FromPlain(item)
		}
		return out
	default:
		return v
	}
}

// Clone deep-copies a dynamic tree value.
func Clone(v interface{}) interface{} {
	switch t := v.(type) {
	case *Map:
		out := NewMap()
		for _, k := range t.keys {
			out.Set(k, Clone(t.vals[k]))
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}
