// Package memprof is the optional memory-usage sidecar supplementing the
// distilled spec with the original implementation's Memprof_Manager: poll
// every running job's process subtree and record aggregate vmem/rss/pss/
// shared/swap figures into the memprof table (internal/store/schema.go).
// Grounded on original_source/memprof.cpp (polling loop, idle exit) and
// linux_proc_tools.cpp (smaps_rollup parsing, /proc/stat ppid/vsize walk).
package memprof

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dsroberts/go-tsp/internal/store"
)

// Sampler polls the process tree of every running job on an interval and
// writes aggregated memory figures to the store.
type Sampler struct {
	Store           *store.Store
	PollingInterval time.Duration
	IdleTimeout     time.Duration
	Verbose         bool
	lastActivity    time.Time
}

func New(st *store.Store, pollingInterval, idleTimeout time.Duration) *Sampler {
	return &Sampler{
		Store:           st,
		PollingInterval: pollingInterval,
		IdleTimeout:     idleTimeout,
	}
}

// Run polls until there are no running jobs for IdleTimeout, then returns.
// cmd/tsp runs it in a goroutine of the submitting invocation when
// --memprof is given, rather than as a separate process the way the
// original's do_memprof forks itself off.
func (s *Sampler) Run() error {
	s.lastActivity = time.Now()
	for {
		running, err := s.Store.RunningJobPIDs()
		if err != nil {
			return fmt.Errorf("memprof: list running jobs: %w", err)
		}
		if len(running) == 0 {
			if time.Since(s.lastActivity) > s.IdleTimeout {
				return nil
			}
			time.Sleep(s.PollingInterval)
			continue
		}
		s.lastActivity = time.Now()

		pidMap, err := buildChildMap()
		if err != nil {
			return fmt.Errorf("memprof: walk /proc: %w", err)
		}

		now := time.Now().UnixMicro()
		samples := make([]store.MemSample, 0, len(running))
		for _, jp := range running {
			samples = append(samples, sampleSubtree(jp.JobID, jp.PID, pidMap))
		}
		if err := s.Store.InsertMemprofSamples(now, samples); err != nil {
			return fmt.Errorf("memprof: insert samples: %w", err)
		}

		time.Sleep(s.PollingInterval)
	}
}

type procInfo struct {
	pid  int
	vmem int64
}

// buildChildMap maps each pid to its direct children, read from every
// /proc/<pid>/stat file's ppid (4th whitespace field) and vsize (23rd).
func buildChildMap() (map[int][]procInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	out := make(map[int][]procInfo)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, vmem, ok := readStatPPIDAndVsize(pid)
		if !ok {
			continue
		}
		out[ppid] = append(out[ppid], procInfo{pid: pid, vmem: vmem})
	}
	return out, nil
}

func readStatPPIDAndVsize(pid int) (ppid int, vmem int64, ok bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, false
	}
	// comm may itself contain spaces/parens; fields of interest come after
	// the closing paren of the second field.
	line := string(data)
	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 {
		return 0, 0, false
	}
	fields := strings.Fields(line[closeParen+1:])
	// fields[0] is state (field 3); ppid is field 4, so fields[1]; vsize is
	// field 23, so fields[20].
	if len(fields) < 21 {
		return 0, 0, false
	}
	ppid64, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	vsize, err := strconv.ParseInt(fields[20], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return int(ppid64), vsize, true
}

// sampleSubtree walks root's process subtree via pidMap, aggregating vmem
// from /proc/stat and rss/pss/shared/swap/swap_pss from smaps_rollup.
func sampleSubtree(jobID int64, root int, pidMap map[int][]procInfo) store.MemSample {
	sample := store.MemSample{JobID: jobID}
	queue := []int{root}
	seen := map[int]struct{}{}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}

		addSmapsRollup(pid, &sample)
		for _, child := range pidMap[pid] {
			sample.VMem += child.vmem
			queue = append(queue, child.pid)
		}
	}
	return sample
}

func addSmapsRollup(pid int, sample *store.MemSample) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/smaps_rollup", pid))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Rss:"):
			sample.RSS += parseSmapsValueKB(line)
		case strings.HasPrefix(line, "Pss:"):
			sample.PSS += parseSmapsValueKB(line)
		case strings.HasPrefix(line, "Shared_Clean:"), strings.HasPrefix(line, "Shared_Dirty:"):
			sample.Shared += parseSmapsValueKB(line)
		case strings.HasPrefix(line, "Swap:"):
			sample.Swap += parseSmapsValueKB(line)
		case strings.HasPrefix(line, "SwapPss:"):
			sample.SwapPSS += parseSmapsValueKB(line)
		}
	}
}

// parseSmapsValueKB extracts the numeric kB value out of a line shaped
// like "Rss:          1234 kB".
func parseSmapsValueKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
