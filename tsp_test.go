package tsp

import (
	"path/filepath"
	"testing"

	"github.com/dsroberts/go-tsp/internal/admission"
	"github.com/dsroberts/go-tsp/internal/config"
	"github.com/dsroberts/go-tsp/internal/lock"
	"github.com/dsroberts/go-tsp/internal/logging"
	"github.com/dsroberts/go-tsp/internal/topology"
)

type zeroSleeper struct{ calls int }

func (z *zeroSleeper) Sleep() { z.calls++ }

func newTestSpooler(t *testing.T, store *MockStore, runner *MockCommandRunner, cores int) (*Spooler, *zeroSleeper) {
	t.Helper()
	return newTestSpoolerWithCores(t, store, runner, makeCoreRange(cores))
}

func newTestSpoolerWithCores(t *testing.T, store *MockStore, runner *MockCommandRunner, coreIDs []int) (*Spooler, *zeroSleeper) {
	t.Helper()

	l, err := lock.Open(filepath.Join(t.TempDir(), "test.lock"))
	if err != nil {
		t.Fatalf("lock.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	sleeper := &zeroSleeper{}
	sp := &Spooler{
		store:    store,
		runner:   runner,
		lock:     l,
		topo:     &topology.Topology{Cores: coreIDs},
		observer: &NoOpObserver{},
		logger:   logging.Default(),
		cfg:      config.Default(),
	}
	sp.admitter = admission.New(sp.store, sp.lock, sleeper)
	return sp, sleeper
}

func makeCoreRange(n int) []int {
	cores := make([]int, n)
	for i := range cores {
		cores[i] = i
	}
	return cores
}

func TestSubmitRunsAdmittedJobAndRecordsLifecycle(t *testing.T) {
	store := NewMockStore()
	runner := &MockCommandRunner{ExitStatus: 0, Stdout: []byte("hi\n")}
	sp, _ := newTestSpooler(t, store, runner, 4)

	result, err := sp.Submit(SubmitParams{Argv: []string{"echo", "hi"}, Cwd: "/tmp", Slots: 1})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.ExitStatus != 0 {
		t.Errorf("Expected exit status 0, got %d", result.ExitStatus)
	}
	if runner.Calls != 1 {
		t.Errorf("Expected exactly one runner invocation, got %d", runner.Calls)
	}

	rec, err := sp.Details(result.JobID)
	if err != nil {
		t.Fatalf("Details: %v", err)
	}
	if !rec.HasQTime || !rec.HasSTime || !rec.HasETime {
		t.Errorf("Expected QTime/STime/ETime all recorded, got %+v", rec)
	}
	if rec.QTime > rec.STime || rec.STime > rec.ETime {
		t.Errorf("Expected QTime <= STime <= ETime, got %d/%d/%d", rec.QTime, rec.STime, rec.ETime)
	}

	stdout, err := sp.Stdout(result.JobID)
	if err != nil {
		t.Fatalf("Stdout: %v", err)
	}
	if string(stdout) != "hi\n" {
		t.Errorf("Expected captured stdout %q, got %q", "hi\n", stdout)
	}
}

func TestSubmitBindsToActualPhysicalCoreIDsNotIndices(t *testing.T) {
	store := NewMockStore()
	runner := &MockCommandRunner{ExitStatus: 0}
	// A cgroup granting only the second socket of a dual-socket host.
	sp, _ := newTestSpoolerWithCores(t, store, runner, []int{24, 25, 26, 27})

	result, err := sp.Submit(SubmitParams{Argv: []string{"true"}, Slots: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.ExitStatus != 0 {
		t.Fatalf("Expected exit status 0, got %d", result.ExitStatus)
	}

	want := []int{24, 25, 26}
	if len(runner.LastCores) != len(want) {
		t.Fatalf("Expected %d bound cores, got %v", len(want), runner.LastCores)
	}
	for i, c := range want {
		if runner.LastCores[i] != c {
			t.Errorf("Expected bound core %d to be physical id %d, got %d (indices were returned instead of cpuset ids)", i, c, runner.LastCores[i])
		}
	}
}

func TestSubmitDiscardsOutputWhenRequested(t *testing.T) {
	store := NewMockStore()
	runner := &MockCommandRunner{ExitStatus: 0, Stdout: []byte("should not be kept")}
	sp, _ := newTestSpooler(t, store, runner, 4)

	result, err := sp.Submit(SubmitParams{Argv: []string{"echo", "x"}, Slots: 1, DiscardOutput: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stdout, err := sp.Stdout(result.JobID)
	if err != nil {
		t.Fatalf("Stdout: %v", err)
	}
	if len(stdout) != 0 {
		t.Errorf("Expected discarded stdout to be empty, got %q", stdout)
	}
}

func TestSubmitFailsImmediatelyWhenSlotsExceedTopology(t *testing.T) {
	store := NewMockStore()
	runner := &MockCommandRunner{}
	sp, _ := newTestSpooler(t, store, runner, 2)

	result, err := sp.Submit(SubmitParams{Argv: []string{"sleep", "1"}, Slots: 4})
	if err == nil {
		t.Fatal("Expected an error when requested slots exceed topology")
	}
	if !IsCode(err, ErrCodeSlotsUnavailable) {
		t.Errorf("Expected ErrCodeSlotsUnavailable, got %v", err)
	}
	if result.ExitStatus != -1 {
		t.Errorf("Expected exit status -1, got %d", result.ExitStatus)
	}
	if runner.Calls != 0 {
		t.Errorf("Expected the command never to run, got %d calls", runner.Calls)
	}

	rec, err := sp.Details(result.JobID)
	if err != nil {
		t.Fatalf("Details: %v", err)
	}
	if !rec.HasETime || rec.ExitStatus != -1 {
		t.Errorf("Expected immediate ETime=-1, got %+v", rec)
	}
}

func TestSubmitRetriesUntilAdmittedWhenSlotsBusy(t *testing.T) {
	store := NewMockStore()
	attempt := 0
	store.Allocate = func(uuid string, coreIDs []int, requested int) ([]int, error) {
		attempt++
		if attempt < 3 {
			return nil, nil
		}
		return []int{0}, nil
	}
	runner := &MockCommandRunner{ExitStatus: 0}
	sp, sleeper := newTestSpooler(t, store, runner, 4)

	result, err := sp.Submit(SubmitParams{Argv: []string{"true"}, Slots: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sleeper.calls != 2 {
		t.Errorf("Expected 2 retry sleeps before admission, got %d", sleeper.calls)
	}
	if result.ExitStatus != 0 {
		t.Errorf("Expected exit status 0, got %d", result.ExitStatus)
	}
}

func TestSubmitHonorsCancelBeforeAdmission(t *testing.T) {
	store := NewMockStore()
	store.Allocate = func(uuid string, coreIDs []int, requested int) ([]int, error) {
		return nil, nil
	}
	runner := &MockCommandRunner{}
	sp, _ := newTestSpooler(t, store, runner, 4)

	canceled := true
	result, err := sp.Submit(SubmitParams{
		Argv:             []string{"sleep", "10"},
		Slots:            1,
		Cancel:           admission.NewSignalCanceler(&canceled),
		CancelExitStatus: 128 + 15,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Canceled {
		t.Error("Expected Canceled=true")
	}
	if result.ExitStatus != 128+15 {
		t.Errorf("Expected exit status 143, got %d", result.ExitStatus)
	}
	if runner.Calls != 0 {
		t.Errorf("Expected the command never to run, got %d calls", runner.Calls)
	}
}

func TestRerunRestoresArgvCwdAndEnviron(t *testing.T) {
	store := NewMockStore()
	runner := &MockCommandRunner{ExitStatus: 0}
	sp, _ := newTestSpooler(t, store, runner, 4)

	first, err := sp.Submit(SubmitParams{
		Argv:    []string{"printenv", "FOO"},
		Cwd:     "/tmp",
		Environ: []string{"FOO=1"},
		Slots:   1,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	second, err := sp.Rerun(first.JobID, SubmitParams{})
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if runner.LastCwd != "/tmp" {
		t.Errorf("Expected rerun cwd /tmp, got %q", runner.LastCwd)
	}
	if len(runner.LastArgv) != 2 || runner.LastArgv[0] != "printenv" || runner.LastArgv[1] != "FOO" {
		t.Errorf("Expected argv [printenv FOO], got %v", runner.LastArgv)
	}
	found := false
	for _, e := range runner.LastEnv {
		if e == "FOO=1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected FOO=1 in rerun environ, got %v", runner.LastEnv)
	}
	if second.JobID == first.JobID {
		t.Error("Expected rerun to create a new job id")
	}
}

func TestListFiltersByCategory(t *testing.T) {
	store := NewMockStore()
	runner := &MockCommandRunner{ExitStatus: 0}
	sp, _ := newTestSpooler(t, store, runner, 4)

	if _, err := sp.Submit(SubmitParams{Argv: []string{"true"}, Slots: 1, Category: "build"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	jobs, err := sp.List("finished")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 finished job, got %d", len(jobs))
	}
	if jobs[0].Category != "build" {
		t.Errorf("Expected category build, got %q", jobs[0].Category)
	}
}

func TestCancelSendsNothingToAlreadyFinishedJob(t *testing.T) {
	store := NewMockStore()
	runner := &MockCommandRunner{ExitStatus: 0}
	sp, _ := newTestSpooler(t, store, runner, 4)

	result, err := sp.Submit(SubmitParams{Argv: []string{"true"}, Slots: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := sp.Cancel(result.JobID); err != nil {
		t.Errorf("Cancel on a finished job should be a no-op, got error: %v", err)
	}
}
