package store

import "fmt"

// SaveAssignment pins an engine name to a runner id. Assignments survive
// restarts and are loaded into the registry at startup.
func (s *Store) SaveAssignment(engine, runnerID string) error {
	_, err := s.db.Exec(`
		INSERT INTO runner_assignments (engine, runner_id) VALUES (?, ?)
		ON CONFLICT(engine) DO UPDATE SET runner_id = excluded.runner_id`,
		engine, runnerID)
	if err != nil {
		return fmt.Errorf("save assignment %s -> %s: %w", engine, runnerID, err)
	}
	return nil
}

// ListAssignments returns engine -> runner id.
func (s *Store) ListAssignments() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT engine, runner_id FROM runner_assignments`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var engine, runnerID string
		if err := rows.Scan(&engine, &runnerID); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out[engine] = runnerID
	}
	return out, rows.Err()
}

// DeleteAssignmentsForRunner clears every assignment pointing at a runner,
// used when the runner's host is unregistered.
func (s *Store) DeleteAssignmentsForRunner(runnerID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runner_assignments WHERE runner_id = ?`, runnerID)
	if err != nil {
		return 0, fmt.Errorf("delete assignments for %s: %w", runnerID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
