package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"audiobookd/pkg/types"
)

type memRecords struct {
	recs map[string]types.EngineRecord
}

func (s *memRecords) GetEngine(variantID string) (types.EngineRecord, error) {
	rec, ok := s.recs[variantID]
	if !ok {
		return types.EngineRecord{}, os.ErrNotExist
	}
	return rec, nil
}

func (s *memRecords) UpsertEngine(rec types.EngineRecord) error {
	if s.recs == nil {
		s.recs = map[string]types.EngineRecord{}
	}
	s.recs[rec.VariantID] = rec
	return nil
}

const validManifestYAML = `name: xtts
display_name: XTTS v2
version: "2.0.3"
category: synthesis
default_model: xtts_v2
models:
  - xtts_v2
parameters:
  temperature:
    type: float
    default: 0.7
capabilities:
  supports_model_hotswap: true
`

func writeEngine(t *testing.T, root, name, manifest string, withVenv bool) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "server.py"), []byte("# engine\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, "engine.yaml"), []byte(manifest), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if withVenv {
		if err := os.MkdirAll(filepath.Join(dir, "venv", "bin"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLocalDiscoverFindsValidEngines(t *testing.T) {
	root := t.TempDir()
	// engines live under category subdirectories
	dir := writeEngine(t, filepath.Join(root, "tts"), "xtts", validManifestYAML, true)

	st := &memRecords{}
	found, err := NewLocal(zerolog.Nop(), root, st).Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found = %+v", found)
	}
	rec := found[0]
	if rec.VariantID != "xtts:local" || rec.Category != types.CategorySynthesis {
		t.Fatalf("rec = %+v", rec)
	}
	if !rec.Installed || rec.Path != dir {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.ManifestHash == "" || rec.Manifest == nil {
		t.Fatalf("manifest not captured: %+v", rec)
	}
	if _, ok := st.recs["xtts:local"]; !ok {
		t.Fatal("record not persisted")
	}
}

func TestLocalDiscoverMissingVenvMeansNotInstalled(t *testing.T) {
	root := t.TempDir()
	writeEngine(t, root, "xtts", validManifestYAML, false)

	found, err := NewLocal(zerolog.Nop(), root, &memRecords{}).Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("found = %+v", found)
	}
	if found[0].Installed {
		t.Fatal("engine without venv must be not-installed")
	}
}

func TestLocalDiscoverSkipsBrokenSiblings(t *testing.T) {
	root := t.TempDir()
	writeEngine(t, root, "good", validManifestYAML, true)
	// invalid: default model missing from model list
	writeEngine(t, root, "bad-manifest", "name: bad\ndisplay_name: Bad\nversion: \"1\"\ncategory: synthesis\ndefault_model: ghost\nmodels: [real]\n", true)
	// not a candidate at all: no manifest
	writeEngine(t, root, "no-manifest", "", true)
	// unparseable yaml
	writeEngine(t, root, "mangled", ":\n  - broken", true)

	found, err := NewLocal(zerolog.Nop(), root, &memRecords{}).Discover()
	if err != nil {
		t.Fatalf("Discover must not abort on broken siblings: %v", err)
	}
	if len(found) != 1 || found[0].Name != "good" {
		t.Fatalf("found = %+v", found)
	}
}

func TestLocalDiscoverKeepsCachedRecordWhenHashUnchanged(t *testing.T) {
	root := t.TempDir()
	writeEngine(t, root, "xtts", validManifestYAML, true)
	st := &memRecords{}
	d := NewLocal(zerolog.Nop(), root, st)

	first, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	// user flips flags between scans
	cached := st.recs["xtts:local"]
	cached.Enabled = false
	cached.KeepRunning = true
	st.recs["xtts:local"] = cached

	second, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if second[0].ManifestHash != first[0].ManifestHash {
		t.Fatal("hash changed without manifest change")
	}
	if !second[0].KeepRunning || second[0].Enabled {
		t.Fatalf("cached metadata lost on unchanged manifest: %+v", second[0])
	}
}

func TestLocalDiscoverMissingRootIsEmpty(t *testing.T) {
	found, err := NewLocal(zerolog.Nop(), filepath.Join(t.TempDir(), "nope"), &memRecords{}).Discover()
	if err != nil {
		t.Fatalf("missing root should not error: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("found = %+v", found)
	}
}
