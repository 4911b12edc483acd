package pipeline

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlDefinition mirrors the authoring-time YAML shape pipelines may
// be written in; CompileYAML converts it to the persisted JSON schema
// stored in pipelines.blocks_json.
type yamlDefinition struct {
	Blocks []yamlBlock `yaml:"blocks"`
}

type yamlBlock struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// CompileYAML parses a YAML-authored pipeline definition and returns
// the equivalent JSON blocks array ready for pipelines.blocks_json.
func CompileYAML(raw []byte) (string, error) {
	var def yamlDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return "", fmt.Errorf("parse pipeline yaml: %w", err)
	}
	blocks := make([]Block, len(def.Blocks))
	for i, b := range def.Blocks {
		blocks[i] = Block{Type: b.Type, Config: normalizeYAMLMap(b.Config)}
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("encode pipeline blocks: %w", err)
	}
	return string(data), nil
}

// normalizeYAMLMap converts the map[interface{}]interface{} shapes
// yaml.v3 can produce for nested maps into map[string]interface{} so
// the result round-trips cleanly through encoding/json.
func normalizeYAMLMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeYAMLMap(val)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[fmt.Sprint(k)] = normalizeYAMLValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalizeYAMLValue(e)
		}
		return out
	default:
		return val
	}
}
