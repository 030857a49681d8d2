package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3leaps/graspatracker/pkg/parammatrix"
	"gopkg.in/yaml.v3"
)

// Entry is one key/value pair of a StringMap.
type Entry struct {
	Key   string
	Value string
}

// StringMap is a string map that keeps document order.
type StringMap []Entry

// Get returns the value for key.
func (m StringMap) Get(key string) (string, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (m StringMap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the keys in order.
func (m StringMap) Keys() []string {
	out := make([]string, len(m))
	for i, e := range m {
		out[i] = e.Key
	}
	return out
}

// UnmarshalYAML decodes a mapping node, keeping key order. Scalar values keep
// their literal text, so `time: 86400` and `time: "86400"` are equivalent.
func (m *StringMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*m = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	out := make(StringMap, 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: value of %q must be a scalar", v.Line, k.Value)
		}
		if seen[k.Value] {
			return fmt.Errorf("line %d: duplicate key %q", k.Line, k.Value)
		}
		seen[k.Value] = true
		val := v.Value
		if v.Tag == "!!null" {
			val = ""
		}
		out = append(out, Entry{Key: k.Value, Value: val})
	}
	*m = out
	return nil
}

// MarshalYAML encodes the map as an ordered mapping node.
func (m StringMap) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range m {
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Value},
		)
	}
	return n, nil
}

// MarshalJSON encodes the map as an object, keeping key order.
func (m StringMap) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		k, _ := json.Marshal(e.Key)
		v, _ := json.Marshal(e.Value)
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Axis is one named parameter dimension.
type Axis struct {
	Name   string
	Values []any
}

// Axes are parameter dimensions in document order.
type Axes []Axis

// UnmarshalYAML decodes a mapping of axis name to value list.
func (a *Axes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*a = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	out := make(Axes, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		var values []any
		switch v.Kind {
		case yaml.SequenceNode:
			for _, item := range v.Content {
				val, err := scalarValue(item)
				if err != nil {
					return fmt.Errorf("parameter %q: %w", k.Value, err)
				}
				values = append(values, val)
			}
		case yaml.ScalarNode:
			val, err := scalarValue(v)
			if err != nil {
				return fmt.Errorf("parameter %q: %w", k.Value, err)
			}
			values = []any{val}
		default:
			return fmt.Errorf("line %d: parameter %q must be a list of scalars", v.Line, k.Value)
		}
		out = append(out, Axis{Name: k.Value, Values: values})
	}
	*a = out
	return nil
}

// MarshalYAML encodes the axes as an ordered mapping.
func (a Axes) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, ax := range a {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, v := range ax.Values {
			var item yaml.Node
			if err := item.Encode(v); err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, &item)
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: ax.Name}, seq)
	}
	return n, nil
}

// MarshalJSON encodes the axes as an object, keeping key order.
func (a Axes) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, ax := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		k, _ := json.Marshal(ax.Name)
		v, err := json.Marshal(ax.Values)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Params is an ordered parameter set of a custom combination.
type Params parammatrix.Params

// UnmarshalYAML decodes a mapping of parameter name to scalar.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	out := make(Params, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		val, err := scalarValue(v)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", k.Value, err)
		}
		out = append(out, parammatrix.Param{Key: k.Value, Value: val})
	}
	*p = out
	return nil
}

// MarshalYAML encodes the parameters as an ordered mapping.
func (p Params) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, kv := range p {
		var v yaml.Node
		if err := v.Encode(kv.Value); err != nil {
			return nil, err
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: kv.Key}, &v)
	}
	return n, nil
}

// MarshalJSON encodes the parameters as an object, keeping key order.
func (p Params) MarshalJSON() ([]byte, error) {
	return parammatrix.Params(p).MarshalJSON()
}

// scalarValue decodes a scalar node into int, float64, bool or string.
func scalarValue(n *yaml.Node) (any, error) {
	if n.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("line %d: expected a scalar", n.Line)
	}
	switch n.ShortTag() {
	case "!!int":
		var v int
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case "!!float":
		var v float64
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case "!!bool":
		var v bool
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case "!!null":
		return nil, nil
	}
	return strings.TrimSpace(n.Value), nil
}
