// Package ruleset loads rule configuration documents into engine objects.
//
// Documents are accepted as JSON or YAML. Both decoders preserve the key
// order of the source document; the engine's diagnostics reference rules by
// their position as well as their id, so order is not cosmetic.
package ruleset

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

// FromJSON parses a JSON ruleset document.
func FromJSON(data []byte) (object.Object, error) {
	doc, err := object.FromJSON(data)
	if err != nil {
		return object.Object{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "ruleset is not valid JSON")
	}
	return doc, nil
}

// FromYAML parses a YAML ruleset document.
func FromYAML(data []byte) (object.Object, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return object.Object{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "ruleset is not valid YAML")
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return object.Object{}, errors.InvalidData(errors.PhaseConfig, nil, "ruleset document is empty")
	}
	doc, err := fromYAMLNode(root.Content[0])
	if err != nil {
		return object.Object{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "ruleset YAML could not be converted")
	}
	return doc, nil
}

// FromFile loads a ruleset document, picking the decoder from the file
// extension. Unknown extensions are treated as JSON.
func FromFile(path string) (object.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return object.Object{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "ruleset file unreadable")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data)
	default:
		return FromJSON(data)
	}
}

func fromYAMLNode(n *yaml.Node) (object.Object, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return object.Null(), nil
		}
		return fromYAMLNode(n.Content[0])
	case yaml.AliasNode:
		return fromYAMLNode(n.Alias)
	case yaml.MappingNode:
		entries := make([]object.Entry, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if key.Kind == yaml.AliasNode {
				key = key.Alias
			}
			value, err := fromYAMLNode(n.Content[i+1])
			if err != nil {
				return object.Object{}, err
			}
			entries = append(entries, object.Pair(key.Value, value))
		}
		return object.Map(entries...), nil
	case yaml.SequenceNode:
		items := make([]object.Object, 0, len(n.Content))
		for _, c := range n.Content {
			item, err := fromYAMLNode(c)
			if err != nil {
				return object.Object{}, err
			}
			items = append(items, item)
		}
		return object.Array(items...), nil
	case yaml.ScalarNode:
		return fromYAMLScalar(n)
	default:
		return object.Object{}, fmt.Errorf("unsupported YAML node kind %d at line %d", n.Kind, n.Line)
	}
}

func fromYAMLScalar(n *yaml.Node) (object.Object, error) {
	switch n.Tag {
	case "!!null":
		return object.Null(), nil
	case "!!bool":
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			return object.Object{}, fmt.Errorf("bad bool %q at line %d", n.Value, n.Line)
		}
		return object.Bool(b), nil
	case "!!int":
		if i, err := strconv.ParseInt(n.Value, 0, 64); err == nil {
			return object.Signed(i), nil
		}
		if u, err := strconv.ParseUint(n.Value, 0, 64); err == nil {
			return object.Unsigned(u), nil
		}
		return object.Object{}, fmt.Errorf("bad integer %q at line %d", n.Value, n.Line)
	case "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return object.Object{}, fmt.Errorf("bad float %q at line %d", n.Value, n.Line)
		}
		return object.Float(f), nil
	default:
		return object.String(n.Value), nil
	}
}
