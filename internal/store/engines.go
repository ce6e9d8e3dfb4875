package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"audiobookd/pkg/types"
)

// UpsertEngine inserts or replaces the record keyed by variant id.
func (s *Store) UpsertEngine(rec types.EngineRecord) error {
	manifest := "{}"
	if rec.Manifest != nil {
		b, err := json.Marshal(rec.Manifest)
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		manifest = string(b)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO engines (variant_id, name, display_name, version, category, host_id,
			enabled, installed, keep_running, default_model, image, path, manifest_hash, manifest, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(variant_id) DO UPDATE SET
			name=excluded.name, display_name=excluded.display_name, version=excluded.version,
			category=excluded.category, host_id=excluded.host_id, installed=excluded.installed,
			default_model=excluded.default_model, image=excluded.image, path=excluded.path,
			manifest_hash=excluded.manifest_hash, manifest=excluded.manifest, updated_at=excluded.updated_at`,
		rec.VariantID, rec.Name, rec.DisplayName, rec.Version, string(rec.Category), rec.HostID,
		rec.Enabled, rec.Installed, rec.KeepRunning, rec.DefaultModel, rec.Image, rec.Path,
		rec.ManifestHash, manifest, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert engine %s: %w", rec.VariantID, err)
	}
	return nil
}

// GetEngine returns the record for a variant id, or sql.ErrNoRows wrapped.
func (s *Store) GetEngine(variantID string) (types.EngineRecord, error) {
	row := s.db.QueryRow(`
		SELECT variant_id, name, display_name, version, category, host_id,
			enabled, installed, keep_running, default_model, image, path, manifest_hash, manifest, updated_at
		FROM engines WHERE variant_id = ?`, variantID)
	return scanEngine(row)
}

// ListEngines returns every engine record, ordered by variant id.
func (s *Store) ListEngines() ([]types.EngineRecord, error) {
	rows, err := s.db.Query(`
		SELECT variant_id, name, display_name, version, category, host_id,
			enabled, installed, keep_running, default_model, image, path, manifest_hash, manifest, updated_at
		FROM engines ORDER BY variant_id`)
	if err != nil {
		return nil, fmt.Errorf("list engines: %w", err)
	}
	defer rows.Close()
	var out []types.EngineRecord
	for rows.Next() {
		rec, err := scanEngine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListEnginesByCategory returns engines of one category, ordered by variant id.
func (s *Store) ListEnginesByCategory(cat types.Category) ([]types.EngineRecord, error) {
	rows, err := s.db.Query(`
		SELECT variant_id, name, display_name, version, category, host_id,
			enabled, installed, keep_running, default_model, image, path, manifest_hash, manifest, updated_at
		FROM engines WHERE category = ? ORDER BY variant_id`, string(cat))
	if err != nil {
		return nil, fmt.Errorf("list engines by category: %w", err)
	}
	defer rows.Close()
	var out []types.EngineRecord
	for rows.Next() {
		rec, err := scanEngine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetEngineEnabled flips the enabled flag.
func (s *Store) SetEngineEnabled(variantID string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE engines SET enabled = ?, updated_at = ? WHERE variant_id = ?`,
		enabled, time.Now().UTC(), variantID)
	if err != nil {
		return fmt.Errorf("set enabled %s: %w", variantID, err)
	}
	return requireRow(res, variantID)
}

// SetKeepRunning flips the keep_running flag.
func (s *Store) SetKeepRunning(variantID string, keep bool) error {
	res, err := s.db.Exec(`UPDATE engines SET keep_running = ?, updated_at = ? WHERE variant_id = ?`,
		keep, time.Now().UTC(), variantID)
	if err != nil {
		return fmt.Errorf("set keep_running %s: %w", variantID, err)
	}
	return requireRow(res, variantID)
}

// DeleteEnginesForHost removes every engine record placed on the host.
func (s *Store) DeleteEnginesForHost(hostID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM engines WHERE host_id = ?`, hostID)
	if err != nil {
		return 0, fmt.Errorf("delete engines for host %s: %w", hostID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEngine(row rowScanner) (types.EngineRecord, error) {
	var rec types.EngineRecord
	var category, manifest string
	var updatedAt time.Time
	err := row.Scan(&rec.VariantID, &rec.Name, &rec.DisplayName, &rec.Version, &category, &rec.HostID,
		&rec.Enabled, &rec.Installed, &rec.KeepRunning, &rec.DefaultModel, &rec.Image, &rec.Path,
		&rec.ManifestHash, &manifest, &updatedAt)
	if err != nil {
		return rec, fmt.Errorf("scan engine: %w", err)
	}
	rec.Category = types.Category(category)
	rec.UpdatedAt = updatedAt
	if manifest != "" && manifest != "{}" {
		var m types.Manifest
		if err := json.Unmarshal([]byte(manifest), &m); err != nil {
			return rec, fmt.Errorf("unmarshal manifest for %s: %w", rec.VariantID, err)
		}
		rec.Manifest = &m
	}
	return rec, nil
}

func requireRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, sql.ErrNoRows)
	}
	return nil
}
