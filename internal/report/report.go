// Package report renders stored job state for the CLI's query surface
// (spec §6, §9): the table used by --list*, the per-job detail view used
// by -i, and the GitHub-Markdown summary used by --gh-summary. It is
// grounded on the original implementation's status_writing.cpp
// (format_jobs_table, print_job_detail, format_jobs_gh_md), reworked
// around this module's interfaces.JobRecord and io.Writer instead of
// direct stdout printf calls.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dsroberts/go-tsp/internal/interfaces"
)

// formatDuration renders a microsecond delta as the original's
// format_hh_mm_ss: "HH:MM:SS.mmm".
func formatDuration(us int64) string {
	if us < 0 {
		us = 0
	}
	d := time.Duration(us) * time.Microsecond
	h := int64(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int64(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := float64(d) / float64(time.Second)
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, s)
}

func state(r interfaces.JobRecord) string {
	switch {
	case !r.HasSTime:
		return "queued"
	case !r.HasETime:
		return "running"
	default:
		return "finished"
	}
}

// Table writes the §6 --list* output: one row per job, aligned columns.
func Table(w io.Writer, jobs []interfaces.JobRecord) {
	fmt.Fprintln(w, "ID    |      State | ExitStat |   Run Time |    Command")
	fmt.Fprintln(w, "=====================================================")
	for _, j := range jobs {
		switch state(j) {
		case "queued", "running":
			fmt.Fprintf(w, "%-5d %10s                           %s\n", j.ID, state(j), j.Command)
		default:
			fmt.Fprintf(w, "%-5d   finished %10d%14s  %s\n", j.ID, j.ExitStatus, formatDuration(j.ETime-j.STime), j.Command)
		}
	}
}

// Detail writes the §6 -i output for a single job.
func Detail(w io.Writer, j interfaces.JobRecord) {
	switch state(j) {
	case "queued":
		fmt.Fprintln(w, "Status: Queued")
	case "running":
		fmt.Fprintln(w, "Status: Running")
	default:
		fmt.Fprintf(w, "Status: Finished with exit status %d\n", j.ExitStatus)
	}
	fmt.Fprintf(w, "Command: %s\n", j.Command)
	fmt.Fprintf(w, "Slots required: %d\n", j.Slots)
	fmt.Fprintf(w, "Enqueue time: %s\n", time.UnixMicro(j.QTime).Format(time.RFC3339))
	if j.HasSTime {
		fmt.Fprintf(w, "Start time: %s\n", time.UnixMicro(j.STime).Format(time.RFC3339))
	}
	if j.HasETime {
		fmt.Fprintf(w, "End time: %s\n", time.UnixMicro(j.ETime).Format(time.RFC3339))
	}
	if j.HasSTime {
		end := j.ETime
		if !j.HasETime {
			end = time.Now().UnixMicro()
		}
		fmt.Fprintf(w, "Time run: %s\n", formatDuration(end-j.STime))
		fmt.Fprintf(w, "TSP process pid: %d\n", j.PID)
	}
	fmt.Fprintf(w, "Internal UUID: %s\n", j.UUID)
}

// TimeCategory selects which of §6's --print-*-time values to render.
type TimeCategory int

const (
	TimeQueue TimeCategory = iota
	TimeRun
	TimeTotal
)

// Time writes one of the §6 --print-queue-time/--print-run-time/
// --print-total-time outputs for a single job.
func Time(w io.Writer, c TimeCategory, j interfaces.JobRecord) {
	now := time.Now().UnixMicro()
	switch c {
	case TimeQueue:
		end := j.STime
		if !j.HasSTime {
			end = now
		}
		fmt.Fprintln(w, formatDuration(end-j.QTime))
	case TimeRun:
		if !j.HasSTime {
			fmt.Fprintln(w, "0.000")
			return
		}
		end := j.ETime
		if !j.HasETime {
			end = now
		}
		fmt.Fprintln(w, formatDuration(end-j.STime))
	case TimeTotal:
		end := j.ETime
		if !j.HasETime {
			end = now
		}
		fmt.Fprintln(w, formatDuration(end-j.QTime))
	}
}

// GithubSummary writes the §9-supplemented --gh-summary report: a
// GitHub-Flavored-Markdown table of finished jobs, one row per job,
// sorted by a trimmed form of the command (stripping a leading "python3"
// invocation wrapper the way the original's format_jobs_gh_md does),
// ordered alphabetically so CI summary diffs stay stable run to run.
func GithubSummary(w io.Writer, jobs []interfaces.JobRecord) {
	type row struct {
		cmd      string
		duration string
		ok       bool
	}
	var rows []row
	for _, j := range jobs {
		if !j.HasETime {
			continue
		}
		cmd := trimPythonPrefix(j.Command)
		if j.Category != "" {
			cmd = fmt.Sprintf("%s: %s", j.Category, cmd)
		}
		rows = append(rows, row{
			cmd:      cmd,
			duration: formatDuration(j.ETime - j.STime),
			ok:       j.ExitStatus == 0,
		})
	}
	sort.Slice(rows, func(i, k int) bool { return rows[i].cmd < rows[k].cmd })

	fmt.Fprintln(w, "## Case timings")
	fmt.Fprintln(w, "Case | Time | Success?")
	fmt.Fprintln(w, "---- | ----: | ----")
	for _, r := range rows {
		ok := "No"
		if r.ok {
			ok = "Yes"
		}
		fmt.Fprintf(w, "%s | %s | %s\n", r.cmd, r.duration, ok)
	}
}

// trimPythonPrefix drops argv tokens before and including the first one
// containing "python3", the way the original strips an interpreter/launcher
// wrapper before presenting the case name.
func trimPythonPrefix(cmd string) string {
	toks := strings.Fields(cmd)
	hasPython3 := false
	for _, t := range toks {
		if strings.Contains(t, "python3") {
			hasPython3 = true
			break
		}
	}
	if !hasPython3 {
		return cmd
	}
	var out []string
	keeping := false
	for _, t := range toks {
		if keeping {
			out = append(out, t)
			continue
		}
		if strings.Contains(t, "python3") {
			keeping = true
		}
	}
	return strings.Join(out, " ")
}
