package store

// schema is applied on every Bootstrap call. Every statement is written
// with IF NOT EXISTS so concurrent spoolers racing to create the database
// for the first time never fail each other (spec §4.1).
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS jobs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid         TEXT NOT NULL UNIQUE,
	command      TEXT NOT NULL,
	command_raw  BLOB NOT NULL,
	category     TEXT NOT NULL DEFAULT '',
	pid          INTEGER NOT NULL,
	slots        INTEGER NOT NULL CHECK (slots >= 1)
);

CREATE TABLE IF NOT EXISTS qtime (
	jobid INTEGER NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
	time  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stime (
	jobid INTEGER NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
	time  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS etime (
	jobid       INTEGER NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
	time        INTEGER NOT NULL,
	exit_status INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS start_state (
	jobid   INTEGER NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
	cwd     TEXT NOT NULL,
	environ BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS job_output (
	jobid  INTEGER NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
	stdout BLOB NOT NULL,
	stderr BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS slot_reservation (
	uuid TEXT NOT NULL REFERENCES jobs(uuid) ON DELETE CASCADE,
	slot INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_slot_reservation_uuid ON slot_reservation(uuid);

CREATE TABLE IF NOT EXISTS integer_sequence (
	slot INTEGER PRIMARY KEY
);

-- Periodic memory samples taken by the memprof sidecar (supplements the
-- distilled spec with the original implementation's Memprof_Manager table).
CREATE TABLE IF NOT EXISTS memprof (
	jobid    INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	time     INTEGER NOT NULL,
	vmem     INTEGER NOT NULL,
	rss      INTEGER NOT NULL,
	pss      INTEGER NOT NULL,
	shared   INTEGER NOT NULL,
	swap     INTEGER NOT NULL,
	swap_pss INTEGER NOT NULL
);

-- Jobs with a live (un-ETime'd) slot reservation: the set the admission
-- transaction must subtract from integer_sequence to find free cores.
CREATE VIEW IF NOT EXISTS live_reservations AS
	SELECT sr.uuid AS uuid, sr.slot AS slot
	FROM slot_reservation sr
	JOIN jobs j ON j.uuid = sr.uuid
	WHERE NOT EXISTS (SELECT 1 FROM etime e WHERE e.jobid = j.id);

-- Submitting spooler processes that have started but not finished a job:
-- the set of pids believed to still be running on this host.
CREATE VIEW IF NOT EXISTS sibling_pids AS
	SELECT DISTINCT j.pid AS pid
	FROM jobs j
	JOIN stime s ON s.jobid = j.id
	WHERE NOT EXISTS (SELECT 1 FROM etime e WHERE e.jobid = j.id);

-- Stable read contract for -i/-l: every future column added to jobs or its
-- child tables should be exposed here rather than breaking old readers.
CREATE VIEW IF NOT EXISTS job_details AS
	SELECT
		j.id          AS id,
		j.uuid        AS uuid,
		j.command     AS command,
		j.category    AS category,
		j.pid         AS pid,
		j.slots       AS slots,
		q.time        AS qtime,
		s.time        AS stime,
		e.time        AS etime,
		e.exit_status AS exit_status
	FROM jobs j
	LEFT JOIN qtime q ON q.jobid = j.id
	LEFT JOIN stime s ON s.jobid = j.id
	LEFT JOIN etime e ON e.jobid = j.id;
`
