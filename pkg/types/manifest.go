package types

import (
	"fmt"
	"regexp"
)

// Category partitions engines by the operation they perform.
type Category string

const (
	CategorySynthesis    Category = "synthesis"
	CategoryRecognition  Category = "recognition"
	CategorySegmentation Category = "segmentation"
	CategoryAnalysis     Category = "analysis"
)

// Categories lists every known category in display order.
var Categories = []Category{
	CategorySynthesis,
	CategoryRecognition,
	CategorySegmentation,
	CategoryAnalysis,
}

// Verb returns the operation verb an engine of this category exposes.
func (c Category) Verb() string {
	switch c {
	case CategorySynthesis:
		return "generate"
	case CategoryRecognition:
		return "transcribe"
	case CategorySegmentation:
		return "segment"
	case CategoryAnalysis:
		return "analyze"
	}
	return ""
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategorySynthesis, CategoryRecognition, CategorySegmentation, CategoryAnalysis:
		return true
	}
	return false
}

var engineNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ParameterDef describes one tunable parameter an engine accepts.
type ParameterDef struct {
	Type    string      `json:"type" yaml:"type"`
	Label   string      `json:"label,omitempty" yaml:"label,omitempty"`
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Min     *float64    `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64    `json:"max,omitempty" yaml:"max,omitempty"`
	Options []string    `json:"options,omitempty" yaml:"options,omitempty"`
}

// Manifest is the self-description every engine ships, either as an
// engine.yaml next to its entry script or served from /info by an image.
type Manifest struct {
	Name         string                  `json:"name" yaml:"name"`
	DisplayName  string                  `json:"display_name" yaml:"display_name"`
	Version      string                  `json:"version" yaml:"version"`
	Category     Category                `json:"category" yaml:"category"`
	DefaultModel string                  `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	Models       []string                `json:"models,omitempty" yaml:"models,omitempty"`
	Parameters   map[string]ParameterDef `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Constraints  map[string]interface{}  `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Capabilities map[string]interface{}  `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Validate checks structural rules the orchestrator relies on. Constraints
// and capabilities are free-form maps and pass through uninterpreted.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: missing name")
	}
	if !engineNameRE.MatchString(m.Name) {
		return fmt.Errorf("manifest: invalid name %q (want lowercase letters, digits, - or _)", m.Name)
	}
	if m.DisplayName == "" {
		return fmt.Errorf("manifest %q: missing display_name", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %q: missing version", m.Name)
	}
	if !m.Category.Valid() {
		return fmt.Errorf("manifest %q: unknown category %q", m.Name, m.Category)
	}
	if m.DefaultModel != "" {
		found := false
		for _, model := range m.Models {
			if model == m.DefaultModel {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("manifest %q: default_model %q not in models list", m.Name, m.DefaultModel)
		}
	}
	for name, def := range m.Parameters {
		if err := def.validate(); err != nil {
			return fmt.Errorf("manifest %q: parameter %q: %w", m.Name, name, err)
		}
	}
	return nil
}

// BoolCapability reads a named capability flag, defaulting to false when the
// capability is absent or not a bool.
func (m *Manifest) BoolCapability(name string) bool {
	if m.Capabilities == nil {
		return false
	}
	b, ok := m.Capabilities[name].(bool)
	return ok && b
}

func (d ParameterDef) validate() error {
	switch d.Type {
	case "float", "int", "bool", "string":
	default:
		return fmt.Errorf("unknown type %q", d.Type)
	}
	if d.Default == nil {
		return nil
	}
	switch d.Type {
	case "float":
		switch d.Default.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("default %v is not a number", d.Default)
		}
	case "int":
		switch v := d.Default.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("default %v is not an integer", d.Default)
			}
		default:
			return fmt.Errorf("default %v is not an integer", d.Default)
		}
	case "bool":
		if _, ok := d.Default.(bool); !ok {
			return fmt.Errorf("default %v is not a bool", d.Default)
		}
	case "string":
		if _, ok := d.Default.(string); !ok {
			return fmt.Errorf("default %v is not a string", d.Default)
		}
	}
	return nil
}
