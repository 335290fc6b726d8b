// Package constants holds the well-known paths, timeouts, and tuning
// parameters shared across the spooler's components.
package constants

import "time"

// Default database/lock file names under the resolved temp directory.
const (
	DBFileName   = "tsp_db.sqlite3"
	LockFileName = ".affinity_lock_file.lock"

	StdoutFilePrefix = "tsp.o"
	StderrFilePrefix = "tsp.e"
)

// Environment variables consulted, in order, to resolve the shared temp
// directory. The first one that is set and non-empty wins; /tmp is the
// final fallback.
var TempDirEnvVars = []string{"TMPDIR", "PBS_JOBFS"}

const DefaultTempDir = "/tmp"

// DefaultSlots is the core count requested when -N is not given.
const DefaultSlots = 1

// BusyTimeout is passed to SQLite so concurrent spoolers contend safely
// at the page level instead of failing outright on SQLITE_BUSY.
const BusyTimeout = 10 * time.Second

// Jitter/retry tuning (§4.6).
const (
	// RetryBaseSleep is the steady-state delay between admission attempts.
	RetryBaseSleep = 2 * time.Second

	// JitterAmplitude bounds the uniform random offset jitter.Source.Next
	// adds to the base; Next's result is in [base-J, base+J]. Sleep also
	// waits on a one-per-base rate limiter, which can lengthen it.
	JitterAmplitude = 250 * time.Millisecond
)

// CGroup v1/v2 cpuset paths consulted by internal/topology.
const (
	ProcSelfCGroup        = "/proc/self/cgroup"
	CGroupV1CpusetFmt     = "/sys/fs/cgroup/cpuset%s/cpuset.cpus"
	CGroupV2CpusetFmt     = "/sys/fs/cgroup%s/cpuset.cpus.effective"
	CGroupV1CpusetDefault = "/sys/fs/cgroup/cpuset/cpuset.cpus"
)

// OpenMPI probe/env constants used by the supervisor when the user command
// resolves to mpirun/mpiexec.
const (
	OMPIRankFilePhysicalEnv = "OMPI_MCA_rmaps_rank_file_physical"
	OMPIMappingPolicyEnv    = "OMPI_MCA_rmaps_base_mapping_policy"
)
