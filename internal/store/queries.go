package store

import (
	"database/sql"
	"fmt"

	"github.com/dsroberts/go-tsp/internal/interfaces"
)

// LastJobID returns the most recently assigned job id, used by -i/-o/-e
// when no explicit id is given ("use last job id", spec §9 design note).
func (s *Store) LastJobID() (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: last_job_id: %w", err)
	}
	return id.Int64, nil
}

func scanJobDetails(row interface{ Scan(...any) error }) (interfaces.JobRecord, error) {
	var (
		rec               interfaces.JobRecord
		qtime, stime, etm sql.NullInt64
		exitStatus        sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.UUID, &rec.Command, &rec.Category, &rec.PID, &rec.Slots, &qtime, &stime, &etm, &exitStatus); err != nil {
		return interfaces.JobRecord{}, err
	}
	rec.HasQTime, rec.QTime = qtime.Valid, qtime.Int64
	rec.HasSTime, rec.STime = stime.Valid, stime.Int64
	rec.HasETime, rec.ETime = etm.Valid, etm.Int64
	rec.ExitStatus = int(exitStatus.Int64)
	return rec, nil
}

const jobDetailsColumns = `id, uuid, command, category, pid, slots, qtime, stime, etime, exit_status`

// JobByID and JobDetailsByID both read the job_details view; JobDetailsByID
// is the name used by callers that want the full lifecycle timestamps,
// JobByID is a convenience alias kept because §4.1 lists both names.
func (s *Store) JobByID(id int64) (interfaces.JobRecord, error) {
	return s.JobDetailsByID(id)
}

func (s *Store) JobDetailsByID(id int64) (interfaces.JobRecord, error) {
	if s.db == nil {
		return interfaces.JobRecord{}, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM job_details WHERE id = ?`, jobDetailsColumns)
	rec, err := scanJobDetails(s.db.QueryRow(q, id))
	if err != nil {
		return interfaces.JobRecord{}, fmt.Errorf("store: job_details_by_id(%d): %w", id, err)
	}
	return rec, nil
}

// JobsByCategory returns jobs in the given named category. category may
// be "all", "failed", "queued", "running", "finished", matching the
// --list[-failed|-queued|-running|-finished] CLI surface (spec §6); any
// other value is treated as a user label and matched against jobs.category.
func (s *Store) JobsByCategory(category string) ([]interfaces.JobRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	base := fmt.Sprintf(`SELECT %s FROM job_details`, jobDetailsColumns)
	var (
		q    string
		args []any
	)
	switch category {
	case "", "all":
		q = base + ` ORDER BY id`
	case "queued":
		q = base + ` WHERE stime IS NULL ORDER BY id`
	case "running":
		q = base + ` WHERE stime IS NOT NULL AND etime IS NULL ORDER BY id`
	case "finished":
		q = base + ` WHERE etime IS NOT NULL ORDER BY id`
	case "failed":
		q = base + ` WHERE etime IS NOT NULL AND exit_status != 0 ORDER BY id`
	default:
		q = base + ` WHERE category = ? ORDER BY id`
		args = append(args, category)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: jobs_by_category(%s): %w (sql=%s)", category, err, q)
	}
	defer rows.Close()

	var out []interfaces.JobRecord
	for rows.Next() {
		rec, err := scanJobDetails(rows)
		if err != nil {
			return nil, fmt.Errorf("store: jobs_by_category(%s): scan: %w", category, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) StdoutByID(id int64) ([]byte, error) {
	return s.outputColumnByID(id, "stdout")
}

func (s *Store) StderrByID(id int64) ([]byte, error) {
	return s.outputColumnByID(id, "stderr")
}

func (s *Store) outputColumnByID(id int64, column string) ([]byte, error) {
	if s.db == nil {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT o.%s FROM job_output o JOIN jobs j ON j.id = o.jobid WHERE j.id = ?`, column)
	var data []byte
	err := s.db.QueryRow(q, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %s_by_id(%d): %w", column, id, err)
	}
	return data, nil
}

func (s *Store) RawCmdByID(id int64) ([]byte, error) {
	if s.db == nil {
		return nil, nil
	}
	var data []byte
	err := s.db.QueryRow(`SELECT command_raw FROM jobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: raw_cmd_by_id(%d): %w", id, err)
	}
	return data, nil
}

func (s *Store) StartStateByID(id int64) (cwd string, environBlob []byte, err error) {
	if s.db == nil {
		return "", nil, nil
	}
	q := `SELECT ss.cwd, ss.environ FROM start_state ss JOIN jobs j ON j.id = ss.jobid WHERE j.id = ?`
	err = s.db.QueryRow(q, id).Scan(&cwd, &environBlob)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("store: start_state_by_id(%d): %w", id, err)
	}
	return cwd, environBlob, nil
}

// SiblingPIDsExcluding returns the pids of spooler processes on this host
// that have STime but no ETime, excluding the caller's own pid.
func (s *Store) SiblingPIDsExcluding(pid int) ([]int, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT pid FROM sibling_pids WHERE pid != ?`, pid)
	if err != nil {
		return nil, fmt.Errorf("store: sibling_pids_excluding(%d): %w", pid, err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("store: sibling_pids_excluding(%d): scan: %w", pid, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExternIDByUUID maps a job's internal uuid back to its user-visible
// monotonic id (used when resolving -r <id> into a uuid-keyed rerun).
func (s *Store) ExternIDByUUID(uuid string) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	var id int64
	err := s.db.QueryRow(`SELECT id FROM jobs WHERE uuid = ?`, uuid).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: extern_id_by_uuid(%s): %w", uuid, err)
	}
	return id, nil
}

// JobPID pairs a job's monotonic id with the pid of the spooler process
// that submitted it, the join the memprof sidecar walks (spec supplement,
// grounded on the original's Memprof_Manager::get_running_job_ids_and_pids).
type JobPID struct {
	JobID int64
	PID   int
}

// RunningJobPIDs returns the (jobid, pid) pairs of every job this host's
// sibling_pids view reports as started but not finished.
func (s *Store) RunningJobPIDs() ([]JobPID, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT j.id, j.pid FROM jobs j JOIN stime st ON st.jobid = j.id WHERE NOT EXISTS (SELECT 1 FROM etime e WHERE e.jobid = j.id)`)
	if err != nil {
		return nil, fmt.Errorf("store: running_job_pids: %w", err)
	}
	defer rows.Close()
	var out []JobPID
	for rows.Next() {
		var jp JobPID
		if err := rows.Scan(&jp.JobID, &jp.PID); err != nil {
			return nil, fmt.Errorf("store: running_job_pids: scan: %w", err)
		}
		out = append(out, jp)
	}
	return out, rows.Err()
}

var _ interfaces.Store = (*Store)(nil)
