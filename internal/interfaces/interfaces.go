// Package interfaces provides internal interface definitions shared across
// the spooler's components. These are separate from the public API to
// avoid circular imports between the root package and internal packages.
package interfaces

import "time"

// JobRecord is the read-shape of a single queued/running/finished job, as
// returned by Store queries such as job_details_by_id.
type JobRecord struct {
	ID          int64
	UUID        string
	Command     string
	Category    string
	PID         int
	Slots       int
	QTime       int64 // microseconds since epoch, 0 if absent
	STime       int64
	ETime       int64
	ExitStatus  int
	HasQTime    bool
	HasSTime    bool
	HasETime    bool
}

// Store is the persistence contract every admission/supervision
// component depends on. Implemented by internal/store.Store; a mock lives
// in the root package's testing.go for unit tests that don't need a real
// database.
type Store interface {
	InsertJob(uuid, command string, commandRaw []byte, category string, pid, slots int) (int64, error)
	RecordQTime(uuid string, timeUs int64) error
	RecordSTime(uuid string, timeUs int64) error
	RecordETime(uuid string, timeUs int64, exitStatus int) error
	StoreState(uuid, cwd string, environBlob []byte) error
	SaveOutput(uuid string, stdout, stderr []byte) error
	AllocateSlots(uuid string, coreIDs []int, requested int) ([]int, error)
	ReleaseSlots(uuid string) error

	LastJobID() (int64, error)
	JobByID(id int64) (JobRecord, error)
	JobDetailsByID(id int64) (JobRecord, error)
	JobsByCategory(category string) ([]JobRecord, error)
	StdoutByID(id int64) ([]byte, error)
	StderrByID(id int64) ([]byte, error)
	RawCmdByID(id int64) ([]byte, error)
	StartStateByID(id int64) (cwd string, environBlob []byte, err error)
	SiblingPIDsExcluding(pid int) ([]int, error)
	ExternIDByUUID(uuid string) (int64, error)

	Close() error
}

// Logger is the minimal logging contract consumed by every component so
// none of them need to import internal/logging directly.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Observer receives lifecycle events for metrics collection. Implementations
// must be safe for concurrent use.
type Observer interface {
	ObserveSubmit(category string)
	ObserveAdmit(waitTime time.Duration)
	ObserveDefer()
	ObserveFinish(runTime time.Duration, exitStatus int)
}

// RunSpec is everything a CommandRunner needs to exec, bind, and capture
// one admitted job. UUID and OutputDir name the per-job stdout/stderr
// files a production runner redirects to (spec §6: "<tmp>/tsp.o<uuid>" /
// "<tmp>/tsp.e<uuid>").
type RunSpec struct {
	Argv      []string
	Cwd       string
	Environ   []string
	Cores     []int
	UUID      string
	OutputDir string

	// Discard, when true, redirects both streams straight to /dev/null
	// instead of the per-job files. The Spooler sets it for the
	// config-wide disappear_output knob and for the per-submission
	// -n/DiscardOutput alike.
	Discard bool
}

// CommandRunner executes a bound, admitted job and reports how it exited.
// internal/supervisor.Supervisor is the production implementation; a fake
// lives in the root package's testing.go.
type CommandRunner interface {
	Run(spec RunSpec) (exitStatus int, stdout, stderr []byte, err error)
}
