package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dsroberts/go-tsp/internal/interfaces"
)

func TestTableShowsQueuedRunningAndFinished(t *testing.T) {
	var b strings.Builder
	jobs := []interfaces.JobRecord{
		{ID: 1, Command: "echo a", HasQTime: true, QTime: 1_000_000},
		{ID: 2, Command: "echo b", HasQTime: true, QTime: 1_000_000, HasSTime: true, STime: 2_000_000},
		{ID: 3, Command: "echo c", HasQTime: true, QTime: 1_000_000, HasSTime: true, STime: 2_000_000, HasETime: true, ETime: 3_000_000, ExitStatus: 0},
	}
	Table(&b, jobs)
	out := b.String()
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "finished")
}

func TestDetailRunningJobOmitsEndTime(t *testing.T) {
	var b strings.Builder
	j := interfaces.JobRecord{
		ID: 1, UUID: "abc", Command: "sleep 1", PID: 42, Slots: 1,
		HasQTime: true, QTime: 1_000_000,
		HasSTime: true, STime: 2_000_000,
	}
	Detail(&b, j)
	out := b.String()
	assert.Contains(t, out, "Status: Running")
	assert.Contains(t, out, "TSP process pid: 42")
	assert.NotContains(t, out, "End time:")
}

func TestTimeRunForStillQueuedJob(t *testing.T) {
	var b strings.Builder
	j := interfaces.JobRecord{HasQTime: true, QTime: 0}
	Time(&b, TimeRun, j)
	assert.Equal(t, "0.000\n", b.String())
}

func TestGithubSummarySkipsUnfinishedAndStripsPython3(t *testing.T) {
	var b strings.Builder
	jobs := []interfaces.JobRecord{
		{Command: "still queued"},
		{Command: "/usr/bin/env python3 run.py --flag", Category: "unit", HasSTime: true, STime: 1_000_000, HasETime: true, ETime: 2_000_000, ExitStatus: 0},
		{Command: "./bench", HasSTime: true, STime: 1_000_000, HasETime: true, ETime: 1_500_000, ExitStatus: 1},
	}
	GithubSummary(&b, jobs)
	out := b.String()
	assert.Contains(t, out, "unit: run.py --flag")
	assert.Contains(t, out, "./bench")
	assert.NotContains(t, out, "still queued")
}

func TestFormatDurationHandlesSubSecond(t *testing.T) {
	assert.Equal(t, "00:00:00.500", formatDuration(500_000))
}
