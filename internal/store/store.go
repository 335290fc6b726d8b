// Package store is the single source of truth for TSP's persistent state
// (spec §3, §4.1): the SQLite-backed schema, every mutation as a prepared,
// parameter-bound statement, and the one transactional admission step that
// makes slot allocation race-free across cooperating spooler processes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dsroberts/go-tsp/internal/constants"
)

// Store owns one *sql.DB handle to the shared database file.
type Store struct {
	db        *sql.DB
	readWrite bool
	path      string
}

// Open opens or creates the database at path using constants.BusyTimeout.
func Open(path string, readWrite, tolerateMissing bool) (*Store, error) {
	return OpenWithTimeout(path, readWrite, tolerateMissing, constants.BusyTimeout)
}

// OpenWithTimeout is Open with an explicit SQLITE_BUSY retry window,
// letting internal/config's TSP_BUSY_TIMEOUT_MS override reach the driver.
//
// In read-only mode a missing database is tolerated when tolerateMissing
// is set: Bootstrap is skipped and all read queries return zero values
// until some writer creates the file. In read-write mode any open error is
// fatal, matching spec §4.1's contract.
func OpenWithTimeout(path string, readWrite, tolerateMissing bool, busyTimeout time.Duration) (*Store, error) {
	if !readWrite && tolerateMissing {
		if _, err := os.Stat(path); err != nil {
			return &Store{db: nil, readWrite: false, path: path}, nil
		}
	}

	dsn := path
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// The store is accessed from a single goroutine per process (the
	// admission loop runs single-threaded per spec §5); serialize all
	// access through one connection so SQLite's own locking, not Go's
	// pool, governs contention across processes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign_keys: %w", err)
	}

	s := &Store{db: db, readWrite: readWrite, path: path}
	return s, nil
}

// Bootstrap idempotently creates the schema of §3 and its derived views.
// Safe against races with other bootstrappers: every statement uses
// IF NOT EXISTS.
func (s *Store) Bootstrap() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: bootstrap schema: %w (sql=%s)", err, schema)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) requireWritable(op string) error {
	if !s.readWrite {
		return fmt.Errorf("store: %s: store opened read-only", op)
	}
	if s.db == nil {
		return fmt.Errorf("store: %s: database unavailable", op)
	}
	return nil
}

// InsertJob creates a Job row exactly once and returns its monotonic id.
func (s *Store) InsertJob(uuid, command string, commandRaw []byte, category string, pid, slots int) (int64, error) {
	if err := s.requireWritable("insert_job"); err != nil {
		return 0, err
	}
	const q = `INSERT INTO jobs (uuid, command, command_raw, category, pid, slots) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.Exec(q, uuid, command, commandRaw, category, pid, slots)
	if err != nil {
		return 0, fmt.Errorf("store: insert_job: %w (sql=%s)", err, q)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert_job: last_insert_id: %w", err)
	}
	return id, nil
}

// RecordQTime/RecordSTime/RecordETime witness the respective lifecycle
// transition by inserting, never mutating, a row (spec §3 Lifecycle).

func (s *Store) RecordQTime(uuid string, timeUs int64) error {
	return s.recordTimeRow("qtime", "record_qtime", uuid, timeUs)
}

func (s *Store) RecordSTime(uuid string, timeUs int64) error {
	return s.recordTimeRow("stime", "record_stime", uuid, timeUs)
}

func (s *Store) recordTimeRow(table, op, uuid string, timeUs int64) error {
	if err := s.requireWritable(op); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (jobid, time) SELECT id, ? FROM jobs WHERE uuid = ?`, table)
	res, err := s.db.Exec(q, timeUs, uuid)
	if err != nil {
		return fmt.Errorf("store: %s: %w (sql=%s)", op, err, q)
	}
	return requireOneRowAffected(op, res)
}

func (s *Store) RecordETime(uuid string, timeUs int64, exitStatus int) error {
	if err := s.requireWritable("record_etime"); err != nil {
		return err
	}
	const q = `INSERT INTO etime (jobid, time, exit_status) SELECT id, ?, ? FROM jobs WHERE uuid = ?`
	res, err := s.db.Exec(q, timeUs, exitStatus, uuid)
	if err != nil {
		return fmt.Errorf("store: record_etime: %w (sql=%s)", err, q)
	}
	return requireOneRowAffected("record_etime", res)
}

// StoreState writes the StartState row exactly once, after STime and
// before exec (spec §4.5 step 4, §9 design note on rerun ordering).
func (s *Store) StoreState(uuid, cwd string, environBlob []byte) error {
	if err := s.requireWritable("store_state"); err != nil {
		return err
	}
	const q = `INSERT INTO start_state (jobid, cwd, environ) SELECT id, ?, ? FROM jobs WHERE uuid = ?`
	res, err := s.db.Exec(q, cwd, environBlob, uuid)
	if err != nil {
		return fmt.Errorf("store: store_state: %w (sql=%s)", err, q)
	}
	return requireOneRowAffected("store_state", res)
}

// SaveOutput writes the JobOutput row exactly once, after the child reaps.
func (s *Store) SaveOutput(uuid string, stdout, stderr []byte) error {
	if err := s.requireWritable("save_output"); err != nil {
		return err
	}
	const q = `INSERT INTO job_output (jobid, stdout, stderr) SELECT id, ?, ? FROM jobs WHERE uuid = ?`
	res, err := s.db.Exec(q, stdout, stderr, uuid)
	if err != nil {
		return fmt.Errorf("store: save_output: %w (sql=%s)", err, q)
	}
	return requireOneRowAffected("save_output", res)
}

// ReleaseSlots explicitly drops any live reservation for uuid. Idempotent:
// recording ETime already removes the rows from the live_reservations
// view, so this is only needed for cancellation before exec (spec §4.3).
func (s *Store) ReleaseSlots(uuid string) error {
	if err := s.requireWritable("release_slots"); err != nil {
		return err
	}
	const q = `DELETE FROM slot_reservation WHERE uuid = ?`
	if _, err := s.db.Exec(q, uuid); err != nil {
		return fmt.Errorf("store: release_slots: %w (sql=%s)", err, q)
	}
	return nil
}

// MemSample is one point-in-time memory measurement for a running job,
// aggregated across every pid in its subprocess tree.
type MemSample struct {
	JobID   int64
	VMem    int64
	RSS     int64
	PSS     int64
	Shared  int64
	Swap    int64
	SwapPSS int64
}

// InsertMemprofSamples records one polling round of the memprof sidecar.
func (s *Store) InsertMemprofSamples(timeUs int64, samples []MemSample) error {
	if err := s.requireWritable("insert_memprof_samples"); err != nil {
		return err
	}
	const q = `INSERT INTO memprof (time, jobid, vmem, rss, pss, shared, swap, swap_pss) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := s.db.Prepare(q)
	if err != nil {
		return fmt.Errorf("store: insert_memprof_samples: prepare: %w", err)
	}
	defer stmt.Close()
	for _, sm := range samples {
		if _, err := stmt.Exec(timeUs, sm.JobID, sm.VMem, sm.RSS, sm.PSS, sm.Shared, sm.Swap, sm.SwapPSS); err != nil {
			return fmt.Errorf("store: insert_memprof_samples: job %d: %w", sm.JobID, err)
		}
	}
	return nil
}

func requireOneRowAffected(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: rows_affected: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("store: %s: expected to affect exactly one job, affected %d", op, n)
	}
	return nil
}
