package types

import (
	"strings"
	"testing"
)

func validManifest() Manifest {
	return Manifest{
		Name:         "xtts",
		DisplayName:  "XTTS v2",
		Version:      "2.0.3",
		Category:     CategorySynthesis,
		DefaultModel: "xtts_v2",
		Models:       []string{"xtts_v2", "xtts_v2_hq"},
		Parameters: map[string]ParameterDef{
			"temperature": {Type: "float", Default: 0.7},
			"speed":       {Type: "float", Default: 1.0},
			"streaming":   {Type: "bool", Default: false},
			"language":    {Type: "string", Default: "en"},
			"seed":        {Type: "int", Default: 42},
		},
		Capabilities: map[string]interface{}{
			"supports_model_hotswap":     true,
			"supports_voice_references":  true,
			"max_reference_seconds":      30,
		},
	}
}

func TestManifestValidateOK(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestManifestValidateErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Manifest)
		wantSub string
	}{
		{"missing name", func(m *Manifest) { m.Name = "" }, "missing name"},
		{"bad name", func(m *Manifest) { m.Name = "XTTS!" }, "invalid name"},
		{"missing display name", func(m *Manifest) { m.DisplayName = "" }, "display_name"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version"},
		{"bad category", func(m *Manifest) { m.Category = "translation" }, "unknown category"},
		{"default model not listed", func(m *Manifest) { m.DefaultModel = "ghost" }, "not in models list"},
		{"bad parameter type", func(m *Manifest) {
			m.Parameters["weird"] = ParameterDef{Type: "complex"}
		}, "unknown type"},
		{"int default is fractional", func(m *Manifest) {
			m.Parameters["seed"] = ParameterDef{Type: "int", Default: 1.5}
		}, "not an integer"},
		{"bool default is string", func(m *Manifest) {
			m.Parameters["streaming"] = ParameterDef{Type: "bool", Default: "yes"}
		}, "not a bool"},
		{"string default is number", func(m *Manifest) {
			m.Parameters["language"] = ParameterDef{Type: "string", Default: 3}
		}, "not a string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			tc.mutate(&m)
			err := m.Validate()
			if err == nil {
				t.Fatal("Validate: want error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("Validate error %q does not contain %q", err, tc.wantSub)
			}
		})
	}
}

// Constraints and capabilities are opaque to validation.
func TestManifestFreeFormMapsPassThrough(t *testing.T) {
	m := validManifest()
	m.Constraints = map[string]interface{}{
		"min_vram_mb": 4096,
		"arch":        []interface{}{"amd64", "arm64"},
	}
	m.Capabilities["totally_custom"] = map[string]interface{}{"nested": true}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !m.BoolCapability("supports_model_hotswap") {
		t.Error("BoolCapability(supports_model_hotswap) = false, want true")
	}
	if m.BoolCapability("max_reference_seconds") {
		t.Error("BoolCapability on non-bool value should be false")
	}
	if m.BoolCapability("absent") {
		t.Error("BoolCapability on absent key should be false")
	}
}

func TestCategoryVerbs(t *testing.T) {
	want := map[Category]string{
		CategorySynthesis:    "generate",
		CategoryRecognition:  "transcribe",
		CategorySegmentation: "segment",
		CategoryAnalysis:     "analyze",
	}
	for c, verb := range want {
		if got := c.Verb(); got != verb {
			t.Errorf("%s.Verb() = %q, want %q", c, got, verb)
		}
	}
	if Category("translation").Valid() {
		t.Error("Valid() accepted unknown category")
	}
}
