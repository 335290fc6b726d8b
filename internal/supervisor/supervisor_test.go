package supervisor

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsroberts/go-tsp/internal/constants"
	"github.com/dsroberts/go-tsp/internal/interfaces"
)

func TestRunCapturesStdoutAndExitStatus(t *testing.T) {
	s := &Supervisor{}
	dir := t.TempDir()
	status, stdout, stderr, err := s.Run(interfaces.RunSpec{
		Argv: []string{"/bin/sh", "-c", "echo hello"}, Cwd: "/",
		Environ: []string{"PATH=/bin:/usr/bin"}, UUID: "job-a", OutputDir: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "hello\n", string(stdout))
	assert.Nil(t, stderr)
}

func TestRunWritesAndCleansUpPerJobOutputFile(t *testing.T) {
	s := &Supervisor{}
	dir := t.TempDir()
	_, _, _, err := s.Run(interfaces.RunSpec{
		Argv: []string{"/bin/sh", "-c", "echo hello"}, Cwd: "/",
		Environ: []string{"PATH=/bin:/usr/bin"}, UUID: "job-cleanup", OutputDir: dir,
	})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, constants.StdoutFilePrefix+"job-cleanup"))
	assert.True(t, os.IsNotExist(statErr), "expected the per-job stdout file to be removed after Run")
}

func TestRunSeparateStderr(t *testing.T) {
	s := &Supervisor{SeparateStderr: true}
	dir := t.TempDir()
	status, stdout, stderr, err := s.Run(interfaces.RunSpec{
		Argv: []string{"/bin/sh", "-c", "echo out; echo err 1>&2"}, Cwd: "/",
		Environ: []string{"PATH=/bin:/usr/bin"}, UUID: "job-b", OutputDir: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))
}

func TestRunReportsNonZeroExit(t *testing.T) {
	s := &Supervisor{}
	dir := t.TempDir()
	status, _, _, err := s.Run(interfaces.RunSpec{
		Argv: []string{"/bin/sh", "-c", "exit 7"}, Cwd: "/",
		Environ: []string{"PATH=/bin:/usr/bin"}, UUID: "job-c", OutputDir: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, status)
}

func TestRunBindsToRequestedCores(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("sched_setaffinity only available on linux")
	}
	s := &Supervisor{}
	dir := t.TempDir()
	status, _, _, err := s.Run(interfaces.RunSpec{
		Argv: []string{"/bin/sh", "-c", "true"}, Cwd: "/",
		Environ: []string{"PATH=/bin:/usr/bin"}, Cores: []int{0}, UUID: "job-d", OutputDir: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestRunReapsOrphanedGrandchildOfMPILikeLauncher(t *testing.T) {
	s := &Supervisor{}
	dir := t.TempDir()
	// The direct child backgrounds a grandchild and exits immediately,
	// mimicking an MPI launcher that hands off to orted helpers; the
	// grandchild must still be reaped rather than left a zombie/orphan.
	status, _, _, err := s.Run(interfaces.RunSpec{
		Argv:    []string{"/bin/sh", "-c", "(sleep 0.2) & exit 0"},
		Cwd:     "/",
		Environ: []string{"PATH=/bin:/usr/bin"},
		UUID:    "job-e", OutputDir: dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}
