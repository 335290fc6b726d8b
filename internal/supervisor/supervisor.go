// Package supervisor runs the admitted command and reports how it exited
// (spec §4.5). It replaces the original implementation's own fork/exec/
// waitpid loop with os/exec, the idiomatic Go way to run a child process,
// while keeping the same shape: redirect stdout/stderr to per-job files,
// bind the child to its reserved cores, translate a signal death into the
// PBS "128+signal" exit status convention, and reap the child plus any
// descendant reparented to this process before returning.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dsroberts/go-tsp/internal/constants"
	"github.com/dsroberts/go-tsp/internal/interfaces"
)

// Supervisor implements interfaces.CommandRunner.
type Supervisor struct {
	// SeparateStderr, when true, keeps stdout and stderr in distinct
	// files instead of interleaving them into one stream.
	SeparateStderr bool
}

// outputPaths returns the per-job stdout/stderr file paths spec §6 names:
// "<tmp>/tsp.o<uuid>" and "<tmp>/tsp.e<uuid>". When separateStderr is
// false the stderr path is unused; both streams share the stdout file.
func outputPaths(dir, uuid string) (stdoutPath, stderrPath string) {
	return filepath.Join(dir, constants.StdoutFilePrefix+uuid), filepath.Join(dir, constants.StderrFilePrefix+uuid)
}

// Run execs spec.Argv[0] with spec.Argv[1:], in spec.Cwd with spec.Environ,
// bound to spec.Cores, and blocks until it (and any descendant reparented
// to this process) exits. spec.Cores may be empty when binding is
// disabled.
func (s *Supervisor) Run(spec interfaces.RunSpec) (exitStatus int, stdout, stderr []byte, err error) {
	if len(spec.Argv) == 0 {
		return -1, nil, nil, fmt.Errorf("supervisor: empty argv")
	}

	var outPath, errPath string
	var outFile, errFile *os.File
	var ferr error

	if spec.Discard {
		// spec §9 disappear_output: both streams go straight to
		// /dev/null, no per-job file is ever created.
		outFile, ferr = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if ferr != nil {
			return -1, nil, nil, fmt.Errorf("supervisor: open %s: %w", os.DevNull, ferr)
		}
		errFile = outFile
	} else {
		outPath, errPath = outputPaths(spec.OutputDir, spec.UUID)

		outFile, ferr = os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if ferr != nil {
			return -1, nil, nil, fmt.Errorf("supervisor: create %s: %w", outPath, ferr)
		}
		defer os.Remove(outPath)

		errFile = outFile
		if s.SeparateStderr {
			errFile, ferr = os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if ferr != nil {
				outFile.Close()
				return -1, nil, nil, fmt.Errorf("supervisor: create %s: %w", errPath, ferr)
			}
			defer os.Remove(errPath)
		}
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Environ
	// Its own process group, so a signal forwarded to -pgid reaches the
	// child (and anything it forks) without also re-signalling us.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	startErr := cmd.Start()
	// The child has its own duplicate of these fds now; our copies would
	// otherwise sit open for the lifetime of a long-running command.
	outFile.Close()
	if s.SeparateStderr {
		errFile.Close()
	}
	if startErr != nil {
		return -1, nil, nil, fmt.Errorf("supervisor: start %s: %w", spec.Argv[0], startErr)
	}

	if len(spec.Cores) > 0 {
		if bindErr := bindPID(cmd.Process.Pid, spec.Cores); bindErr != nil {
			// The child is already running; report the bind failure but
			// keep waiting for it rather than abandoning the process.
			err = fmt.Errorf("supervisor: bind pid %d: %w", cmd.Process.Pid, bindErr)
		}
	}

	status := reapDescendants(cmd.Process.Pid)
	cmd.Process.Release()

	if spec.Discard {
		return status, nil, nil, err
	}

	outBytes, _ := os.ReadFile(outPath)
	if s.SeparateStderr {
		errBytes, _ := os.ReadFile(errPath)
		return status, outBytes, errBytes, err
	}
	return status, outBytes, nil, err
}

// reapDescendants waits for pid to exit and, since an OpenMPI launcher may
// spawn orted helpers of its own, keeps reaping until waitpid(-1) reports
// ECHILD (spec §4.5 step 8), instead of stopping after pid's own exit.
// PR_SET_CHILD_SUBREAPER ensures any such helper that outlives its direct
// parent reparents to this process rather than to init, so it is actually
// seen by the loop instead of becoming unreachable.
func reapDescendants(pid int) int {
	// Best effort: without subreaper status we still reap pid itself,
	// just not grandchildren orphaned after their parent exits.
	_ = unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)

	status := -1
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.ECHILD {
			break
		}
		if err != nil {
			break
		}
		if wpid == pid {
			status = exitStatusFromWaitStatus(ws)
		}
	}
	return status
}

// exitStatusFromWaitStatus converts a raw wait status into the PBSPro exit
// status convention: a signal death is reported as 128+signal (spec §4.5).
func exitStatusFromWaitStatus(ws unix.WaitStatus) int {
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}

// bindPID applies the reserved core set to pid and every thread currently
// listed under /proc/<pid>/task, mirroring internal/topology.Bind's
// per-thread loop for the current process.
func bindPID(pid int, cores []int) error {
	var mask unix.CPUSet
	mask.Zero()
	for _, c := range cores {
		mask.Set(c)
	}
	tids := []int{pid}
	if entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid)); err == nil {
		tids = tids[:0]
		for _, e := range entries {
			if tid, err := strconv.Atoi(e.Name()); err == nil {
				tids = append(tids, tid)
			}
		}
		if len(tids) == 0 {
			tids = []int{pid}
		}
	}
	for _, tid := range tids {
		if err := unix.SchedSetaffinity(tid, &mask); err != nil {
			if err == unix.ESRCH {
				continue
			}
			return fmt.Errorf("sched_setaffinity(%d): %w", tid, err)
		}
	}
	return nil
}
