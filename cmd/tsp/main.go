package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dsroberts/go-tsp/internal/admission"
	"github.com/dsroberts/go-tsp/internal/config"
	"github.com/dsroberts/go-tsp/internal/logging"
	"github.com/dsroberts/go-tsp/internal/memprof"
	"github.com/dsroberts/go-tsp/internal/report"
	"github.com/dsroberts/go-tsp/internal/store"
	"github.com/dsroberts/go-tsp/internal/watchdog"

	tsp "github.com/dsroberts/go-tsp"
)

// detachedWorkerEnv marks a re-exec'd worker process so it doesn't try to
// detach again; set by doSubmitDetached, read by run.
const detachedWorkerEnv = "TSP_DETACHED_WORKER"

func main() {
	os.Exit(run())
}

// run implements the §6 CLI surface and returns the process exit code:
// the submitted command's own exit status on success, 128+signal on
// signal-termination, or a small internal error code otherwise.
func run() int {
	var (
		discardOutput  = flag.Bool("n", false, "discard stdout/stderr")
		noDetach       = flag.Bool("f", false, "do not detach, run in foreground")
		slots          = flag.Int("N", 1, "number of cores to request")
		separateStderr = flag.Bool("E", false, "keep stderr separate from stdout")
		label          = flag.String("L", "", "category label")
		verbose        = flag.Bool("v", false, "verbose logging")
		rerunID        = flag.Int64("r", -1, "rerun the job with this id (0 = last job)")

		list        = flag.Bool("l", false, "list all jobs")
		listAll     = flag.Bool("list", false, "list all jobs")
		listFailed  = flag.Bool("list-failed", false, "list failed jobs")
		listQueued  = flag.Bool("list-queued", false, "list queued jobs")
		listRunning = flag.Bool("list-running", false, "list running jobs")
		listFinish  = flag.Bool("list-finished", false, "list finished jobs")

		detailsID = flag.Int64("i", -1, "show details for this job id (0 = last job)")
		hasDetail = flagWasPassed("-i")

		stdoutID = flag.Int64("o", -1, "print stdout for this job id (0 = last job)")
		stderrID = flag.Int64("e", -1, "print stderr for this job id (0 = last job)")

		printQueueTime = flag.Int64("print-queue-time", -1, "print queue wait time for this job id")
		printRunTime   = flag.Int64("print-run-time", -1, "print run time for this job id")
		printTotalTime = flag.Int64("print-total-time", -1, "print total time for this job id")

		dbPath      = flag.String("db-path", "", "override the spooler database path")
		ghSummary   = flag.Bool("gh-summary", false, "print a GitHub-Markdown summary of finished jobs")
		watchdogDur = flag.Duration("watchdog-timeout", 0, "if set, run a one-shot watchdog that kills jobs exceeding this runtime budget and exits")
		withMemprof = flag.Bool("memprof", false, "if set, run a one-shot memory-usage sampler alongside submission")
		configPath  = flag.String("config", "", "path to a TOML config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: load config: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
	cfg.Supervisor.SeparateStderr = *separateStderr

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	installStackDumpHandler(logger)

	if *watchdogDur > 0 {
		return runWatchdog(cfg, logger, *watchdogDur)
	}

	sp, err := tsp.Open(cfg, &tsp.Options{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: open: %v\n", err)
		return 1
	}
	defer sp.Close()

	switch {
	case *rerunID >= 0:
		return doRerun(sp, *rerunID)
	case *ghSummary:
		return doGithubSummary(sp)
	case *printQueueTime >= 0:
		return doPrintTime(sp, *printQueueTime, report.TimeQueue)
	case *printRunTime >= 0:
		return doPrintTime(sp, *printRunTime, report.TimeRun)
	case *printTotalTime >= 0:
		return doPrintTime(sp, *printTotalTime, report.TimeTotal)
	case hasDetail:
		return doDetails(sp, *detailsID)
	case *stdoutID >= 0:
		return doOutput(sp, *stdoutID, sp.Stdout)
	case *stderrID >= 0:
		return doOutput(sp, *stderrID, sp.Stderr)
	case *list, *listAll, *listFailed, *listQueued, *listRunning, *listFinish:
		return doList(sp, listCategory(*listFailed, *listQueued, *listRunning, *listFinish))
	case flag.NArg() == 0:
		return doList(sp, "all")
	}

	isDetachedWorker := os.Getenv(detachedWorkerEnv) != ""

	// §4.5 step 1: detaching to the background is the default; -f opts
	// out of it. A worker re-exec'd by doSubmitDetached never detaches
	// again, no matter what cfg says.
	if cfg.Supervisor.Fork && !*noDetach && !isDetachedWorker {
		sp.Close()
		return doSubmitDetached(os.Args[1:])
	}

	if *withMemprof {
		go runMemprofSidecar(cfg, logger)
	}

	return doSubmit(sp, tsp.SubmitParams{
		Argv:           flag.Args(),
		Cwd:            mustGetwd(),
		Environ:        os.Environ(),
		Slots:          *slots,
		Category:       *label,
		DiscardOutput:  *discardOutput,
		SeparateStderr: *separateStderr,
	}, isDetachedWorker)
}

// doSubmitDetached implements the optional double-fork of spec §4.5 step 1:
// it re-execs this binary with the same argv as a session-leader worker
// (so it survives the parent shell exiting), reads the job id the worker
// reports over a pipe as soon as the job row exists, prints it, and
// returns immediately rather than blocking on the job's completion.
func doSubmitDetached(argv []string) int {
	pr, pw, err := os.Pipe()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: detach: pipe: %v\n", err)
		return 1
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	worker := exec.Command(self, argv...)
	worker.Env = append(os.Environ(), detachedWorkerEnv+"=1")
	worker.Stdout = os.Stdout
	worker.Stderr = os.Stderr
	worker.ExtraFiles = []*os.File{pw}
	worker.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := worker.Start(); err != nil {
		pr.Close()
		pw.Close()
		fmt.Fprintf(os.Stderr, "tsp: detach: start worker: %v\n", err)
		return 1
	}
	pw.Close()

	line, readErr := bufio.NewReader(pr).ReadString('\n')
	pr.Close()
	if line == "" {
		if readErr != nil {
			fmt.Fprintf(os.Stderr, "tsp: detach: worker exited before reporting a job id\n")
		}
		return 1
	}
	fmt.Print(line)

	// The worker is session-leader and fully detached; don't wait on it
	// or we'd just reintroduce the blocking behavior -f opts out of.
	worker.Process.Release()
	return 0
}

func listCategory(failed, queued, running, finished bool) string {
	switch {
	case failed:
		return "failed"
	case queued:
		return "queued"
	case running:
		return "running"
	case finished:
		return "finished"
	default:
		return "all"
	}
}

// flagWasPassed reports whether name appears in os.Args, alone or in
// name=value form; -i is dispatched on this rather than on its value.
func flagWasPassed(name string) bool {
	for _, a := range os.Args[1:] {
		if a == name || strings.HasPrefix(a, name+"=") {
			return true
		}
	}
	return false
}

// resolveID turns an id of 0 (or a negative one) into the id of the most
// recently submitted job: the flags' "0 = last job" form stands in for the
// missing-argument form of the source's fallthrough "?" option-parser
// branch (spec §9).
func resolveID(sp *tsp.Spooler, id int64) (int64, error) {
	if id > 0 {
		return id, nil
	}
	return sp.LastJobID()
}

// doSubmit runs params through the full submit pipeline in this process.
// When asDetachedWorker is true, this process was re-exec'd by
// doSubmitDetached: the job id is reported to the waiting parent over fd 3
// as soon as it's known, instead of being printed to stdout at the end.
func doSubmit(sp *tsp.Spooler, params tsp.SubmitParams, asDetachedWorker bool) int {
	canceled := false
	params.Cancel = admission.NewSignalCanceler(&canceled)
	params.CancelExitStatus = 128 + int(unix.SIGTERM)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			canceled = true
		case <-done:
		}
	}()

	if asDetachedWorker {
		idPipe := os.NewFile(3, "tsp-jobid-pipe")
		params.OnJobID = func(id int64) {
			fmt.Fprintf(idPipe, "%d\n", id)
			idPipe.Close()
		}
	}

	result, err := sp.Submit(params)
	if err != nil && !result.Canceled {
		fmt.Fprintf(os.Stderr, "tsp: submit: %v\n", err)
		if result.ExitStatus < 0 {
			return 1
		}
	}
	if !asDetachedWorker {
		fmt.Printf("%d\n", result.JobID)
	}
	return result.ExitStatus
}

func doRerun(sp *tsp.Spooler, id int64) int {
	id, err := resolveID(sp, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: rerun: %v\n", err)
		return 1
	}
	result, err := sp.Rerun(id, tsp.SubmitParams{})
	if err != nil && !result.Canceled {
		fmt.Fprintf(os.Stderr, "tsp: rerun: %v\n", err)
		if result.ExitStatus < 0 {
			return 1
		}
	}
	fmt.Printf("%d\n", result.JobID)
	return result.ExitStatus
}

func doList(sp *tsp.Spooler, category string) int {
	jobs, err := sp.List(category)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: list: %v\n", err)
		return 1
	}
	report.Table(os.Stdout, jobs)
	return 0
}

func doDetails(sp *tsp.Spooler, id int64) int {
	id, err := resolveID(sp, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: details: %v\n", err)
		return 1
	}
	rec, err := sp.Details(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: details: %v\n", err)
		return 1
	}
	report.Detail(os.Stdout, rec)
	return 0
}

func doOutput(sp *tsp.Spooler, id int64, fetch func(int64) ([]byte, error)) int {
	id, err := resolveID(sp, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: output: %v\n", err)
		return 1
	}
	b, err := fetch(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: output: %v\n", err)
		return 1
	}
	os.Stdout.Write(b)
	return 0
}

func doPrintTime(sp *tsp.Spooler, id int64, category report.TimeCategory) int {
	id, err := resolveID(sp, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: print-time: %v\n", err)
		return 1
	}
	rec, err := sp.Details(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: print-time: %v\n", err)
		return 1
	}
	report.Time(os.Stdout, category, rec)
	return 0
}

func doGithubSummary(sp *tsp.Spooler) int {
	jobs, err := sp.List("all")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: gh-summary: %v\n", err)
		return 1
	}
	report.GithubSummary(os.Stdout, jobs)
	return 0
}

func runWatchdog(cfg config.Config, logger *logging.Logger, timeout time.Duration) int {
	st, err := store.OpenWithTimeout(cfg.Store.DBPath, true, false, cfg.Store.BusyTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsp: watchdog: open store: %v\n", err)
		return 1
	}
	defer st.Close()

	wd := watchdog.New(st, time.Second, 30*time.Second, timeout)
	wd.Verbose = true
	wd.Logger = logger
	if err := wd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tsp: watchdog: %v\n", err)
		return 1
	}
	return 0
}

func runMemprofSidecar(cfg config.Config, logger *logging.Logger) {
	st, err := store.OpenWithTimeout(cfg.Store.DBPath, true, false, cfg.Store.BusyTimeout)
	if err != nil {
		logger.Errorf("memprof: open store: %v", err)
		return
	}
	defer st.Close()

	sampler := memprof.New(st, 2*time.Second, 10*time.Second)
	sampler.Verbose = true
	if err := sampler.Run(); err != nil {
		logger.Errorf("memprof: %v", err)
	}
}

func mustGetwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// installStackDumpHandler writes a goroutine stack dump to stderr and a
// timestamped file whenever the process receives SIGUSR1, the same
// diagnostic aid the memory-backed device server wires up.
func installStackDumpHandler(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END ===\n\n", buf[:n])

			filename := fmt.Sprintf("tsp-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "stack dump at %s (pid %d)\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Infof("stack dump written to %s", filename)
			}
		}
	}()
}
