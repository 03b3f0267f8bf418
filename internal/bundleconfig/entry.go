package bundleconfig

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// EntryPoint is one bundle name with its entry source path
type EntryPoint struct {
	Name   string
	Import string
}

// EntryMap is an insertion-ordered mapping of bundle name to entry source path
type EntryMap []EntryPoint

// Set adds or replaces the entry for name. A replaced entry keeps its position.
func (m *EntryMap) Set(name, importPath string) {
	for i := range *m {
		if (*m)[i].Name == name {
			(*m)[i].Import = importPath
			return
		}
	}
	*m = append(*m, EntryPoint{Name: name, Import: importPath})
}

// Get returns the entry source path for name
func (m EntryMap) Get(name string) (string, bool) {
	for _, e := range m {
		if e.Name == name {
			return e.Import, true
		}
	}
	return "", false
}

// Names returns the bundle names in order
func (m EntryMap) Names() []string {
	names := make([]string, len(m))
	for i, e := range m {
		names[i] = e.Name
	}
	return names
}

// Map returns the entries as a plain map
func (m EntryMap) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, e := range m {
		out[e.Name] = e.Import
	}
	return out
}

// MarshalJSON encodes the entries as a JSON object, keeping their order
func (m EntryMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Import)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalYAML encodes the entries as a YAML mapping, keeping their order
func (m EntryMap) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range m {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: e.Import},
		)
	}
	return node, nil
}

// UnmarshalYAML decodes a YAML mapping, keeping document order
func (m *EntryMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("entry must be a mapping, got %v", node.Tag)
	}
	*m = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		m.Set(node.Content[i].Value, node.Content[i+1].Value)
	}
	return nil
}
