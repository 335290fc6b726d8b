// Package topology discovers the set of CPU ids the current process may
// occupy (spec §4.2) and binds the process to a chosen subset of them.
//
// Discovery walks /proc/self/cgroup the way the C original's
// Proc_affinity constructor does: pick the cpuset-controller line (v1) or
// the unified-hierarchy line (v2), compose the matching cpuset file under
// /sys/fs/cgroup, and parse its comma/range syntax into an ordered set of
// core ids.
package topology

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dsroberts/go-tsp/internal/constants"
)

// Topology represents the cgroup cpuset ceiling discovered for this
// process, plus the mechanism to bind the calling process's affinity mask
// to a chosen subset of it.
type Topology struct {
	// Cores is the ordered, deduplicated set of CPU ids the cgroup allows.
	Cores []int
}

// Discover reads /proc/self/cgroup and the corresponding cpuset file to
// determine the CPUs this process is permitted to use.
func Discover() (*Topology, error) {
	path, err := cpusetPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}
	cores, err := ParseCPUSet(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("topology: parse %s: %w", path, err)
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("topology: %s reported no usable cores", path)
	}
	return &Topology{Cores: cores}, nil
}

// cpusetPath locates the cpuset file governing the current process,
// preferring the cgroup this process actually belongs to and falling back
// to the well-known v1 mount point.
func cpusetPath() (string, error) {
	f, err := os.Open(constants.ProcSelfCGroup)
	if err != nil {
		return "", fmt.Errorf("topology: open %s: %w", constants.ProcSelfCGroup, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			continue
		}
		controllers, cgroupPath := fields[1], fields[2]
		switch {
		case controllers == "cpuset":
			return fmt.Sprintf(constants.CGroupV1CpusetFmt, cgroupPath), nil
		case controllers == "":
			return fmt.Sprintf(constants.CGroupV2CpusetFmt, cgroupPath), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("topology: scan %s: %w", constants.ProcSelfCGroup, err)
	}
	if _, err := os.Stat(constants.CGroupV1CpusetDefault); err == nil {
		return constants.CGroupV1CpusetDefault, nil
	}
	return "", fmt.Errorf("topology: no cpuset entry found in %s", constants.ProcSelfCGroup)
}

// ParseCPUSet parses a cpuset.cpus-style string: comma-separated integers
// or inclusive "a-b" ranges, e.g. "0-2,5,7-8" -> [0,1,2,5,7,8]. An empty
// string parses to an empty, non-nil slice.
func ParseCPUSet(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, nil
	}

	seen := make(map[int]struct{})
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			lo, err := strconv.Atoi(part[:idx])
			if err != nil {
				return nil, fmt.Errorf("topology: invalid range start %q: %w", part, err)
			}
			hi, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("topology: invalid range end %q: %w", part, err)
			}
			if hi < lo {
				return nil, fmt.Errorf("topology: invalid range %q: end before start", part)
			}
			for c := lo; c <= hi; c++ {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					out = append(out, c)
				}
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("topology: invalid core id %q: %w", part, err)
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Bind sets the calling process's CPU affinity mask to exactly the given
// core ids, strictly and for all threads of the process. On failure it
// returns a human-readable error and leaves affinity unchanged.
//
// Linux's sched_setaffinity is per-thread: pid 0 only binds the calling
// thread. To cover "all threads" as the spec requires, every tid under
// /proc/self/task is bound individually; a tid that exits mid-loop (race
// with a short-lived goroutine's OS thread) is not an error.
func Bind(cores []int) error {
	var mask unix.CPUSet
	mask.Zero()
	for _, c := range cores {
		mask.Set(c)
	}

	tids, err := listTaskIDs()
	if err != nil {
		return fmt.Errorf("topology: bind to cores %v: %w", cores, err)
	}

	var bound []int
	var prev []unix.CPUSet
	restore := func() {
		for i, tid := range bound {
			_ = unix.SchedSetaffinity(tid, &prev[i])
		}
	}
	for _, tid := range tids {
		var old unix.CPUSet
		err := unix.SchedGetaffinity(tid, &old)
		if err == nil {
			err = unix.SchedSetaffinity(tid, &mask)
		}
		if err != nil {
			if err == unix.ESRCH {
				continue
			}
			restore()
			return fmt.Errorf("topology: bind tid %d to cores %v: %w", tid, cores, err)
		}
		bound = append(bound, tid)
		prev = append(prev, old)
	}
	return nil
}

// listTaskIDs returns the thread ids currently belonging to this process.
func listTaskIDs() ([]int, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	if len(tids) == 0 {
		// Fallback for environments without /proc/self/task (should not
		// happen on Linux, but never leave affinity entirely unset).
		tids = []int{0}
	}
	return tids, nil
}
