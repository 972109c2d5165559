package detector

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadLabels reads class names from a YAML file. Both the list form and the
// id-keyed map form of a dataset file's "names" key are accepted, as is a
// bare list or map at the document root.
func LoadLabels(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}

	var doc struct {
		Names yaml.Node `yaml:"names"`
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("parse labels: empty document")
	}
	node := root.Content[0]
	if node.Kind == yaml.MappingNode {
		if err := node.Decode(&doc); err == nil && doc.Names.Kind != 0 {
			node = &doc.Names
		}
	}
	return namesFromNode(node)
}

// ParseNames parses the "names" metadata string written by YOLO ONNX
// exports, e.g. "{0: 'person', 1: 'bicycle'}". It is a YAML flow mapping.
func ParseNames(raw string) (map[int]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty names")
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &node); err != nil {
		return nil, fmt.Errorf("parse names: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, errors.New("empty names")
	}
	return namesFromNode(node.Content[0])
}

func namesFromNode(node *yaml.Node) (map[int]string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, fmt.Errorf("parse names: %w", err)
		}
		names := make(map[int]string, len(list))
		for i, name := range list {
			names[i] = name
		}
		return names, nil
	case yaml.MappingNode:
		var names map[int]string
		if err := node.Decode(&names); err != nil {
			return nil, fmt.Errorf("parse names: %w", err)
		}
		return names, nil
	default:
		return nil, errors.New("parse names: expected a list or a mapping")
	}
}
