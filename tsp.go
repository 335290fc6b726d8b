// Package tsp is the public API for a serverless, topology-aware task
// spooler: independent invocations cooperate through a shared SQLite
// store and an advisory file lock to queue, admit, bind, and run shell
// commands on a subset of the host's available CPU cores, without a
// central daemon.
package tsp

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dsroberts/go-tsp/internal/admission"
	"github.com/dsroberts/go-tsp/internal/codec"
	"github.com/dsroberts/go-tsp/internal/config"
	"github.com/dsroberts/go-tsp/internal/interfaces"
	"github.com/dsroberts/go-tsp/internal/jitter"
	"github.com/dsroberts/go-tsp/internal/lock"
	"github.com/dsroberts/go-tsp/internal/logging"
	"github.com/dsroberts/go-tsp/internal/store"
	"github.com/dsroberts/go-tsp/internal/supervisor"
	"github.com/dsroberts/go-tsp/internal/topology"

	"golang.org/x/sys/unix"
)

// Spooler ties together the seven cooperating components (Store,
// Topology, Admission, Lock, Supervisor, Jitter, CommandCodec) into the
// single entry point a CLI or another Go program drives.
type Spooler struct {
	store    interfaces.Store
	lock     *lock.Lock
	admitter *admission.Admitter
	runner   interfaces.CommandRunner
	topo     *topology.Topology
	observer interfaces.Observer
	logger   interfaces.Logger
	cfg      config.Config
}

// Options customizes collaborators a Spooler uses in place of its
// production defaults; every field is optional.
type Options struct {
	Store    interfaces.Store
	Runner   interfaces.CommandRunner
	Observer interfaces.Observer
	Logger   interfaces.Logger
}

// Open builds a Spooler from cfg, opening (and bootstrapping) the shared
// SQLite store, the advisory lock, and the cgroup-cpuset topology. Close
// must be called once the Spooler is no longer needed.
func Open(cfg config.Config, opts *Options) (*Spooler, error) {
	if opts == nil {
		opts = &Options{}
	}

	sp := &Spooler{cfg: cfg, observer: opts.Observer, logger: opts.Logger}

	if sp.observer == nil {
		sp.observer = &NoOpObserver{}
	}
	if sp.logger == nil {
		sp.logger = logging.Default()
	}

	if opts.Store != nil {
		sp.store = opts.Store
	} else {
		st, err := store.OpenWithTimeout(cfg.Store.DBPath, true, false, cfg.Store.BusyTimeout)
		if err != nil {
			return nil, WrapError("open_store", err)
		}
		if err := st.Bootstrap(); err != nil {
			st.Close()
			return nil, WrapError("bootstrap_store", err)
		}
		sp.store = st
	}

	if opts.Runner != nil {
		sp.runner = opts.Runner
	} else {
		sp.runner = &supervisor.Supervisor{SeparateStderr: cfg.Supervisor.SeparateStderr}
	}

	l, err := lock.Open(cfg.Lock.LockPath)
	if err != nil {
		sp.store.Close()
		return nil, WrapError("open_lock", err)
	}
	sp.lock = l

	topo, err := topology.Discover()
	if err != nil {
		sp.store.Close()
		l.Close()
		return nil, WrapError("discover_topology", err)
	}
	sp.topo = topo

	sleeper := jitter.New(cfg.Jitter.BaseSleep, cfg.Jitter.Amplitude)
	sp.admitter = admission.New(sp.store, sp.lock, sleeper)

	return sp, nil
}

// Close releases the Spooler's store handle and lock file descriptor.
// It does not affect jobs already admitted or running.
func (sp *Spooler) Close() error {
	lockErr := sp.lock.Close()
	storeErr := sp.store.Close()
	if storeErr != nil {
		return storeErr
	}
	return lockErr
}

// SubmitParams describes one job submission.
type SubmitParams struct {
	Argv     []string
	Cwd      string
	Environ  []string
	Slots    int    // defaults to DefaultSlots if <= 0
	Category string // optional -L label

	DiscardOutput  bool // -n
	SeparateStderr bool // -E

	// Cancel, when non-nil, is polled before and during the admission
	// wait so a caller handling SIGINT/SIGTERM can abort a queued job
	// before it ever runs (spec §4.4/§5 "time_to_die").
	Cancel admission.Canceler
	// CancelExitStatus is the exit status recorded when Cancel reports
	// true before admission; conventionally 128+signal.
	CancelExitStatus int

	// OnJobID, when non-nil, is invoked exactly once, as soon as the job
	// row exists and its external id is known — before the (potentially
	// long) admission wait. The detaching CLI path uses this to report
	// the job id to a backgrounding parent process and let it return
	// immediately (spec §4.5 step 1's "parent returns after printing the
	// externally visible job id").
	OnJobID func(id int64)
}

// SubmitResult reports the externally visible outcome of Submit.
type SubmitResult struct {
	JobID      int64
	ExitStatus int
	Canceled   bool
}

// Submit runs params.Argv through the full queued -> running -> finished
// pipeline (spec §4.5): insert the job, wait for admission, bind to the
// reserved cores, exec and reap the command, then persist its output and
// exit status. It blocks until the job finishes or is canceled.
func (sp *Spooler) Submit(params SubmitParams) (SubmitResult, error) {
	slots := params.Slots
	if slots <= 0 {
		slots = DefaultSlots
	}

	jobUUID := newUUID()
	rawCmd := codec.EncodeArgv(params.Argv)
	printable := codec.PrintableCommand(params.Argv)

	jobID, err := sp.store.InsertJob(jobUUID, printable, rawCmd, params.Category, os.Getpid(), slots)
	if err != nil {
		return SubmitResult{}, WrapError("insert_job", err)
	}
	sp.observer.ObserveSubmit(params.Category)
	if params.OnJobID != nil {
		params.OnJobID(jobID)
	}

	now := nowMicros()
	if err := sp.store.RecordQTime(jobUUID, now); err != nil {
		return SubmitResult{}, WrapError("record_qtime", err)
	}

	if slots > len(sp.topo.Cores) {
		sp.failJob(jobUUID, now, -1)
		return SubmitResult{JobID: jobID, ExitStatus: -1}, NewJobError("submit", jobID, ErrCodeSlotsUnavailable,
			fmt.Sprintf("requested %d slots but topology allows only %d", slots, len(sp.topo.Cores)))
	}

	outcome, err := sp.admitter.Wait(jobUUID, sp.topo.Cores, slots, params.Cancel)
	if err != nil {
		sp.failJob(jobUUID, nowMicros(), -1)
		return SubmitResult{JobID: jobID, ExitStatus: -1}, WrapError("await_admission", err)
	}
	if !outcome.Admitted {
		status := params.CancelExitStatus
		if status == 0 {
			status = 128 + int(unix.SIGTERM)
		}
		sp.failJob(jobUUID, nowMicros(), status)
		sp.observer.ObserveDefer()
		return SubmitResult{JobID: jobID, ExitStatus: status, Canceled: true}, nil
	}

	qtime := now
	stime := nowMicros()
	sp.observer.ObserveAdmit(time.Duration(stime-qtime) * time.Microsecond)

	if err := sp.store.RecordSTime(jobUUID, stime); err != nil {
		return SubmitResult{}, WrapError("record_stime", err)
	}

	if sp.cfg.Supervisor.Binding {
		if err := topology.Bind(outcome.Cores); err != nil {
			sp.logger.Errorf("bind to cores %v failed: %v", outcome.Cores, err)
		}
	}

	environBlob := codec.EncodeEnviron(params.Environ)
	if err := sp.store.StoreState(jobUUID, params.Cwd, environBlob); err != nil {
		return SubmitResult{}, WrapError("store_state", err)
	}

	argv := params.Argv
	environ := params.Environ
	if len(argv) > 0 && supervisor.IsOpenMPILauncher(argv[0]) {
		rankfileDir := filepath.Dir(sp.cfg.Lock.LockPath)
		path, err := supervisor.WriteRankfile(rankfileDir, os.Getpid(), outcome.Cores, slots)
		if err == nil {
			argv = supervisor.ApplyRankfile(argv, path)
			environ = append(append([]string{}, environ...), supervisor.OpenMPIEnv()...)
			defer os.Remove(path)
		} else {
			sp.logger.Errorf("rankfile synthesis failed: %v", err)
		}
	}

	runner := sp.runner
	if sv, ok := sp.runner.(*supervisor.Supervisor); ok && params.SeparateStderr != sv.SeparateStderr {
		clone := *sv
		clone.SeparateStderr = params.SeparateStderr
		runner = &clone
	}

	runStart := time.Now()
	exitStatus, stdout, stderr, runErr := runner.Run(interfaces.RunSpec{
		Argv:      argv,
		Cwd:       params.Cwd,
		Environ:   environ,
		Cores:     outcome.Cores,
		UUID:      jobUUID,
		OutputDir: filepath.Dir(sp.cfg.Store.DBPath),
		Discard:   params.DiscardOutput || sp.cfg.Supervisor.DisappearOutput,
	})
	runTime := time.Since(runStart)

	if err := sp.store.SaveOutput(jobUUID, stdout, stderr); err != nil {
		sp.logger.Errorf("save_output: %v", err)
	}

	etime := nowMicros()
	if err := sp.store.RecordETime(jobUUID, etime, exitStatus); err != nil {
		return SubmitResult{}, WrapError("record_etime", err)
	}
	sp.observer.ObserveFinish(runTime, exitStatus)

	if runErr != nil {
		return SubmitResult{JobID: jobID, ExitStatus: exitStatus}, WrapError("run", runErr)
	}
	return SubmitResult{JobID: jobID, ExitStatus: exitStatus}, nil
}

// failJob records an immediate ETime for a job that never reached STime,
// the failure path spec §7 requires so a reservation is never leaked.
func (sp *Spooler) failJob(uuid string, timeUs int64, exitStatus int) {
	if err := sp.store.RecordETime(uuid, timeUs, exitStatus); err != nil {
		sp.logger.Errorf("record failure etime for %s: %v", uuid, err)
	}
	_ = sp.store.ReleaseSlots(uuid)
}

// Rerun resubmits a finished job by id, restoring its original argv, cwd,
// and environment (spec §4.5 "Rerun variant").
func (sp *Spooler) Rerun(id int64, overrides SubmitParams) (SubmitResult, error) {
	rawCmd, err := sp.store.RawCmdByID(id)
	if err != nil {
		return SubmitResult{}, WrapError("rerun_raw_cmd", err)
	}
	cwd, environBlob, err := sp.store.StartStateByID(id)
	if err != nil {
		return SubmitResult{}, WrapError("rerun_start_state", err)
	}

	params := overrides
	params.Argv = codec.DecodeArgv(rawCmd)
	params.Cwd = cwd
	params.Environ = codec.DecodeEnviron(environBlob)
	if params.Slots <= 0 {
		if prior, err := sp.store.JobDetailsByID(id); err == nil {
			params.Slots = prior.Slots
		}
	}

	return sp.Submit(params)
}

// LastJobID returns the external id of the most recently inserted job,
// the target of -i/-o/-e/-r when no explicit id is given.
func (sp *Spooler) LastJobID() (int64, error) {
	id, err := sp.store.LastJobID()
	if err != nil {
		return 0, WrapError("last_job_id", err)
	}
	return id, nil
}

// List returns every job in category ("all", "queued", "running",
// "finished", or "failed").
func (sp *Spooler) List(category string) ([]interfaces.JobRecord, error) {
	jobs, err := sp.store.JobsByCategory(category)
	if err != nil {
		return nil, WrapError("list", err)
	}
	return jobs, nil
}

// Details returns the full job_details row for a given external job id.
func (sp *Spooler) Details(id int64) (interfaces.JobRecord, error) {
	rec, err := sp.store.JobDetailsByID(id)
	if err != nil {
		return interfaces.JobRecord{}, WrapError("details", err)
	}
	return rec, nil
}

// Stdout and Stderr return a finished job's captured output.
func (sp *Spooler) Stdout(id int64) ([]byte, error) {
	b, err := sp.store.StdoutByID(id)
	if err != nil {
		return nil, WrapError("stdout", err)
	}
	return b, nil
}

func (sp *Spooler) Stderr(id int64) ([]byte, error) {
	b, err := sp.store.StderrByID(id)
	if err != nil {
		return nil, WrapError("stderr", err)
	}
	return b, nil
}

// Cancel sends SIGTERM to the pid recorded for a still-running job (the
// submitting spooler process; the signal is not sent to a group). It has no
// effect on a job that has already recorded ETime, or one that never
// reached STime (use the submitting process's own Cancel canceler for
// that case instead).
func (sp *Spooler) Cancel(id int64) error {
	rec, err := sp.store.JobDetailsByID(id)
	if err != nil {
		return WrapError("cancel", err)
	}
	if !rec.HasSTime || rec.HasETime || rec.PID == 0 {
		return nil
	}
	if err := unix.Kill(rec.PID, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return WrapError("cancel", err)
	}
	return nil
}

func nowMicros() int64 {
	return time.Now().UnixNano() / int64(time.Microsecond)
}

// newUUID generates the version-4 job uuid spec §3 requires.
func newUUID() string {
	return uuid.New().String()
}
