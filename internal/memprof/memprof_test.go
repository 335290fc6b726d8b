package memprof

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dsroberts/go-tsp/internal/store"
)

func TestParseSmapsValueKB(t *testing.T) {
	assert.Equal(t, int64(1234), parseSmapsValueKB("Rss:             1234 kB"))
	assert.Equal(t, int64(0), parseSmapsValueKB("garbage"))
}

func TestAddSmapsRollupOnSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/smaps_rollup"); err != nil {
		t.Skip("smaps_rollup unavailable in this environment")
	}
	var sample store.MemSample
	addSmapsRollup(os.Getpid(), &sample)
	assert.Greater(t, sample.RSS, int64(0))
}

func TestReadStatPPIDAndVsizeOnSelf(t *testing.T) {
	ppid, vmem, ok := readStatPPIDAndVsize(os.Getpid())
	if !ok {
		t.Skip("/proc/self/stat unavailable in this environment")
	}
	assert.Equal(t, os.Getppid(), ppid)
	assert.Greater(t, vmem, int64(0))
}

func TestSampleSubtreeAggregatesChildren(t *testing.T) {
	pidMap := map[int][]procInfo{
		1: {{pid: 2, vmem: 100}, {pid: 3, vmem: 50}},
		2: {{pid: 4, vmem: 10}},
	}
	sample := sampleSubtree(42, 1, pidMap)
	assert.Equal(t, int64(42), sample.JobID)
	assert.Equal(t, int64(160), sample.VMem)
}
