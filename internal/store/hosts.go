package store

import (
	"fmt"
	"time"

	"audiobookd/pkg/types"
)

// CreateHost inserts a host record. The id must be unique.
func (s *Store) CreateHost(rec types.HostRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.SSHPort == 0 {
		rec.SSHPort = 22
	}
	_, err := s.db.Exec(`
		INSERT INTO hosts (id, name, address, ssh_user, ssh_port, available, has_gpu, last_seen, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Address, rec.SSHUser, rec.SSHPort, rec.Available, rec.HasGPU,
		nullTime(rec.LastSeen), rec.LastError, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create host %s: %w", rec.ID, err)
	}
	return nil
}

// EnsureBuiltinHosts seeds the synthetic "local" and "docker:local" host
// rows. Idempotent: existing rows keep their recorded availability. The
// local process host is always available.
func (s *Store) EnsureBuiltinHosts() error {
	now := time.Now().UTC()
	for _, rec := range []types.HostRecord{
		{ID: types.LocalRunnerID, Name: "Local", Available: true},
		{ID: types.DockerLocalRunnerID, Name: "Local Docker"},
	} {
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO hosts (id, name, address, ssh_user, ssh_port, available, has_gpu, last_seen, last_error, created_at)
			VALUES (?, ?, '', '', 0, ?, 0, NULL, '', ?)`,
			rec.ID, rec.Name, rec.Available, now)
		if err != nil {
			return fmt.Errorf("seed host %s: %w", rec.ID, err)
		}
	}
	return nil
}

// GetHost returns one host record.
func (s *Store) GetHost(id string) (types.HostRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, name, address, ssh_user, ssh_port, available, has_gpu, last_seen, last_error, created_at
		FROM hosts WHERE id = ?`, id)
	var rec types.HostRecord
	var lastSeen *time.Time
	err := row.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.SSHUser, &rec.SSHPort,
		&rec.Available, &rec.HasGPU, &lastSeen, &rec.LastError, &rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("get host %s: %w", id, err)
	}
	if lastSeen != nil {
		rec.LastSeen = *lastSeen
	}
	return rec, nil
}

// ListHosts returns every host, oldest first.
func (s *Store) ListHosts() ([]types.HostRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, name, address, ssh_user, ssh_port, available, has_gpu, last_seen, last_error, created_at
		FROM hosts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()
	var out []types.HostRecord
	for rows.Next() {
		var rec types.HostRecord
		var lastSeen *time.Time
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.SSHUser, &rec.SSHPort,
			&rec.Available, &rec.HasGPU, &lastSeen, &rec.LastError, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		if lastSeen != nil {
			rec.LastSeen = *lastSeen
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetHostAvailability records the result of a connectivity check.
func (s *Store) SetHostAvailability(id string, available, hasGPU bool, lastErr string) error {
	res, err := s.db.Exec(`
		UPDATE hosts SET available = ?, has_gpu = ?, last_seen = ?, last_error = ? WHERE id = ?`,
		available, hasGPU, time.Now().UTC(), lastErr, id)
	if err != nil {
		return fmt.Errorf("set availability %s: %w", id, err)
	}
	return requireRow(res, id)
}

// DeleteHost removes a host record.
func (s *Store) DeleteHost(id string) error {
	res, err := s.db.Exec(`DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete host %s: %w", id, err)
	}
	return requireRow(res, id)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
