package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// openMPIMarkers are the substrings an mpirun/mpiexec --version banner
// carries when the installed MPI is OpenMPI, which (unlike most other MPI
// implementations) ignores the parent's CPU affinity and must instead be
// steered with an explicit rankfile (spec §4.5 "OpenMPI detection").
var openMPIMarkers = []string{"Open MPI", "OpenRTE"}

// IsOpenMPILauncher reports whether argv0 names an mpirun/mpiexec wrapper
// and, if so, whether that installation is OpenMPI. It execs "argv0
// --version" and inspects its stdout, mirroring the original
// implementation's Run_cmd::check_mpi.
func IsOpenMPILauncher(argv0 string) bool {
	base := filepath.Base(argv0)
	if base != "mpirun" && base != "mpiexec" {
		return false
	}

	cmd := exec.Command(argv0, "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false
	}
	banner := out.String()
	for _, marker := range openMPIMarkers {
		if strings.Contains(banner, marker) {
			return true
		}
	}
	return false
}

// WriteRankfile writes an OpenMPI rankfile pinning each of the first
// nslots entries of cores to one rank, and returns its path. Format is
// "rank <i>=localhost slot=<core>", one line per rank.
func WriteRankfile(dir string, pid int, cores []int, nslots int) (string, error) {
	if nslots > len(cores) {
		return "", fmt.Errorf("supervisor: rankfile: want %d ranks, only %d cores reserved", nslots, len(cores))
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_rankfile.txt", pid))
	var buf bytes.Buffer
	for i := 0; i < nslots; i++ {
		fmt.Fprintf(&buf, "rank %d=localhost slot=%d\n", i, cores[i])
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("supervisor: write rankfile %s: %w", path, err)
	}
	return path, nil
}

// ApplyRankfile inserts "-rf <path>" as argv[1:2], the way the original
// implementation splices its own rankfile flag into proc_to_run.
func ApplyRankfile(argv []string, rankfilePath string) []string {
	out := make([]string, 0, len(argv)+2)
	out = append(out, argv[0], "-rf", rankfilePath)
	out = append(out, argv[1:]...)
	return out
}

// OpenMPIEnv returns the environment overrides the original sets before
// exec'ing an OpenMPI launcher bound via rankfile: disable OpenMPI's own
// core-mapping policy and tell it the rankfile slots are physical cores.
func OpenMPIEnv() []string {
	return []string{
		"OMPI_MCA_rmaps_base_mapping_policy=",
		"OMPI_MCA_rmaps_rank_file_physical=true",
	}
}
