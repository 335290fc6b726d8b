package store

import (
	"fmt"
)

// AllocateSlots is the single correctness-critical transaction of TSP
// (spec §4.3). It runs as one literal "BEGIN IMMEDIATE .. COMMIT": take
// the write lock up front, materialise integer_sequence with coreIDs (the
// actual physical core ids the cgroup's cpuset grants this host, per §3
// "one row per physical core id available at admission time" and the
// GLOSSARY's definition of a slot) if empty, compute the ids not held by
// any live reservation, and — if at least requested are free — reserve
// the lowest-numbered ones for uuid. Any failure to commit, or fewer free
// cores than requested, returns (nil, nil): Deferred, not an error.
//
// The store's connection pool is capped at one connection (see Open), so
// issuing BEGIN IMMEDIATE/COMMIT as plain statements against *sql.DB keeps
// every statement of this step on the same SQLite connection without
// needing database/sql's own Tx type, which does not expose BEGIN's
// transaction-mode keywords.
func (s *Store) AllocateSlots(uuid string, coreIDs []int, requested int) ([]int, error) {
	if err := s.requireWritable("allocate_slots"); err != nil {
		return nil, err
	}
	if requested < 1 {
		return nil, fmt.Errorf("store: allocate_slots: requested must be >= 1, got %d", requested)
	}

	if _, err := s.db.Exec(`BEGIN IMMEDIATE`); err != nil {
		// Could not even acquire the write lock: treat as Deferred.
		return nil, nil
	}
	committed := false
	defer func() {
		if !committed {
			s.db.Exec(`ROLLBACK`)
		}
	}()

	var seqCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM integer_sequence`).Scan(&seqCount); err != nil {
		return nil, fmt.Errorf("store: allocate_slots: count integer_sequence: %w", err)
	}
	if seqCount == 0 {
		stmt, err := s.db.Prepare(`INSERT INTO integer_sequence (slot) VALUES (?)`)
		if err != nil {
			return nil, fmt.Errorf("store: allocate_slots: prepare integer_sequence insert: %w", err)
		}
		for _, slot := range coreIDs {
			if _, err := stmt.Exec(slot); err != nil {
				stmt.Close()
				return nil, fmt.Errorf("store: allocate_slots: materialise slot %d: %w", slot, err)
			}
		}
		stmt.Close()
	}

	const availQuery = `
		SELECT slot FROM integer_sequence
		WHERE slot NOT IN (SELECT slot FROM live_reservations)
		ORDER BY slot ASC`
	rows, err := s.db.Query(availQuery)
	if err != nil {
		return nil, fmt.Errorf("store: allocate_slots: query available: %w (sql=%s)", err, availQuery)
	}
	var avail []int
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: allocate_slots: scan available: %w", err)
		}
		avail = append(avail, slot)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("store: allocate_slots: iterate available: %w", err)
	}
	rows.Close()

	if len(avail) < requested {
		// Deferred: no side effects beyond the deferred ROLLBACK.
		return nil, nil
	}

	chosen := avail[:requested]
	insertStmt, err := s.db.Prepare(`INSERT INTO slot_reservation (uuid, slot) VALUES (?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("store: allocate_slots: prepare reservation insert: %w", err)
	}
	for _, slot := range chosen {
		if _, err := insertStmt.Exec(uuid, slot); err != nil {
			insertStmt.Close()
			return nil, fmt.Errorf("store: allocate_slots: reserve slot %d: %w", slot, err)
		}
	}
	insertStmt.Close()

	if _, err := s.db.Exec(`COMMIT`); err != nil {
		// Commit failure: treat as Deferred per spec §4.3, not fatal.
		return nil, nil
	}
	committed = true
	return chosen, nil
}
