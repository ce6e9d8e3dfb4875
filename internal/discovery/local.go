// Package discovery finds engines: locally by walking the engines
// directory, and for container hosts by probing images ephemerally.
package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"audiobookd/internal/common/fsutil"
	"audiobookd/pkg/types"
)

// RecordStore is where discovered engines land.
type RecordStore interface {
	GetEngine(variantID string) (types.EngineRecord, error)
	UpsertEngine(rec types.EngineRecord) error
}

// Local walks the engines directory. A directory is a candidate when it
// holds both a server.py entry point and an engine.yaml manifest; a missing
// venv marks the engine not installed but still discoverable.
type Local struct {
	log        zerolog.Logger
	enginesDir string
	st         RecordStore
}

// NewLocal builds the local discoverer.
func NewLocal(log zerolog.Logger, enginesDir string, st RecordStore) *Local {
	return &Local{
		log:        log.With().Str("component", "discovery").Logger(),
		enginesDir: enginesDir,
		st:         st,
	}
}

// Discover scans the tree and upserts a record per valid engine. A broken
// candidate is logged and skipped; it never aborts its siblings.
func (d *Local) Discover() ([]types.EngineRecord, error) {
	dir, err := fsutil.ExpandHome(d.enginesDir)
	if err != nil {
		return nil, err
	}
	if !fsutil.IsDir(dir) {
		d.log.Warn().Str("dir", dir).Msg("engines directory missing, nothing to discover")
		return nil, nil
	}

	var found []types.EngineRecord
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			d.log.Warn().Err(walkErr).Str("path", path).Msg("walk error, skipping subtree")
			return fs.SkipDir
		}
		if !entry.IsDir() {
			return nil
		}
		if !fsutil.PathExists(filepath.Join(path, "server.py")) ||
			!fsutil.PathExists(filepath.Join(path, "engine.yaml")) {
			return nil
		}
		rec, err := d.inspect(path)
		if err != nil {
			d.log.Warn().Err(err).Str("dir", path).Msg("engine candidate rejected")
		} else {
			found = append(found, rec)
		}
		// an engine dir never nests another engine
		return fs.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	for _, rec := range found {
		if err := d.st.UpsertEngine(rec); err != nil {
			d.log.Error().Err(err).Str("variant", rec.VariantID).Msg("persist discovered engine")
		}
	}
	d.log.Info().Int("engines", len(found)).Str("dir", dir).Msg("local discovery complete")
	return found, nil
}

func (d *Local) inspect(dir string) (types.EngineRecord, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "engine.yaml"))
	if err != nil {
		return types.EngineRecord{}, fmt.Errorf("read manifest: %w", err)
	}
	var m types.Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return types.EngineRecord{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return types.EngineRecord{}, err
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	installed := fsutil.IsDir(filepath.Join(dir, "venv"))
	variantID := types.Variant{Engine: m.Name, RunnerID: types.LocalRunnerID}.String()

	// unchanged manifest: refresh only the volatile fields
	if cached, err := d.st.GetEngine(variantID); err == nil && cached.ManifestHash == hash {
		cached.Installed = installed
		cached.Path = dir
		cached.UpdatedAt = time.Now().UTC()
		return cached, nil
	}

	if !installed {
		d.log.Info().Str("engine", m.Name).Str("dir", dir).Msg("runtime env missing, engine discoverable but not installed")
	}
	return types.EngineRecord{
		VariantID:    variantID,
		Name:         m.Name,
		DisplayName:  m.DisplayName,
		Version:      m.Version,
		Category:     m.Category,
		HostID:       types.LocalRunnerID,
		Enabled:      true,
		Installed:    installed,
		DefaultModel: m.DefaultModel,
		Path:         dir,
		ManifestHash: hash,
		Manifest:     &m,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}
