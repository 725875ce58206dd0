package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// minRuntimeVersion is the oldest runtime the node artifact supports.
var minRuntimeVersion = semver.MustParse("17.0.0")

// supportedArchitectures lists the machine architectures a 64-bit JVM and
// the node artifact run on.
var supportedArchitectures = map[string]bool{
	"amd64": true,
	"arm64": true,
}

// ArchitectureCheck rejects machines that cannot run the node artifact at
// all. Checked before anything else; there is no point downloading an
// artifact this machine can never start.
func ArchitectureCheck(arch string) error {
	if supportedArchitectures[arch] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidArchitecture, arch)
}

var (
	runtimeVersionRE = regexp.MustCompile(`version "?(\d+(?:\.\d+){0,2})`)

	buildLineRE      = regexp.MustCompile(`Build:\s+(\d+)`)
	branchLineRE     = regexp.MustCompile(`Branch\s+([^\s]+)`)
	jvmLineRE        = regexp.MustCompile(`JVM:\s+(\d+(?:\.\d+){0,2})`)
	lavaplayerLineRE = regexp.MustCompile(`Lavaplayer\s+([^\s]+)`)
	buildTimeLineRE  = regexp.MustCompile(`(?m)Build time:\s+(.+?)\s*$`)

	maxHeapRE = regexp.MustCompile(`^\d+[KMGkmg]$`)
)

// RuntimeCheck verifies the configured runtime executable exists and meets
// the minimum version. The version string is read from the combined output
// of `<path> -version`, which most runtimes print on stderr.
func RuntimeCheck(ctx context.Context, javaPath string) (*semver.Version, error) {
	out, err := exec.CommandContext(ctx, javaPath, "-version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedRuntime, javaPath, err)
	}
	return parseRuntimeVersion(out)
}

func parseRuntimeVersion(out []byte) (*semver.Version, error) {
	m := runtimeVersionRE.FindSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("%w: no version in runtime output", ErrUnsupportedRuntime)
	}
	v, err := semver.NewVersion(normalizeVersion(string(m[1])))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedRuntime, m[1], err)
	}
	if v.LessThan(minRuntimeVersion) {
		return v, fmt.Errorf("%w: %s is below required %s", ErrUnsupportedRuntime, v, minRuntimeVersion)
	}
	return v, nil
}

// normalizeVersion pads a dotted version to three segments so semver
// accepts short forms like "17" or "21.0".
func normalizeVersion(s string) string {
	for strings.Count(s, ".") < 2 {
		s += ".0"
	}
	return s
}

// ArtifactVersion is the metadata printed by the node artifact itself.
type ArtifactVersion struct {
	Build      int
	Branch     string
	JVM        string
	Lavaplayer string
	BuildTime  string
}

// ArtifactCheck runs the artifact with --version and parses its banner.
// A missing Build number yields -1, meaning the local artifact is of
// unknown provenance and should be replaced.
func ArtifactCheck(ctx context.Context, javaPath, jarPath string) (*ArtifactVersion, error) {
	out, err := exec.CommandContext(ctx, javaPath, "-jar", jarPath, "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("artifact version check: %w", err)
	}
	return parseArtifactVersion(out), nil
}

func parseArtifactVersion(out []byte) *ArtifactVersion {
	v := &ArtifactVersion{Build: -1}
	if m := buildLineRE.FindSubmatch(out); m != nil {
		fmt.Sscanf(string(m[1]), "%d", &v.Build)
	}
	if m := branchLineRE.FindSubmatch(out); m != nil {
		v.Branch = string(m[1])
	}
	if m := jvmLineRE.FindSubmatch(out); m != nil {
		v.JVM = string(m[1])
	}
	if m := lavaplayerLineRE.FindSubmatch(out); m != nil {
		v.Lavaplayer = string(m[1])
	}
	if m := buildTimeLineRE.FindSubmatch(out); m != nil {
		v.BuildTime = string(m[1])
	}
	return v
}

// ExternalProcess describes an already-running node process found on the
// machine.
type ExternalProcess struct {
	PID        int32
	WorkingDir string
	ConfigPath string
}

// FindExternalProcess scans running processes for a runtime executing the
// node artifact. Candidate processes are filtered lazily by name first,
// then by exact command line, so the full cmdline fetch only happens for
// plausible matches.
func FindExternalProcess(ctx context.Context) (*ExternalProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("process scan: %w", err)
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(name), "java") {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		if !cmdlineRunsArtifact(args) {
			continue
		}
		ext := &ExternalProcess{PID: p.Pid}
		if cwd, err := p.CwdWithContext(ctx); err == nil {
			ext.WorkingDir = cwd
			ext.ConfigPath = filepath.Join(cwd, "application.yml")
		}
		return ext, nil
	}
	return nil, nil
}

func cmdlineRunsArtifact(args []string) bool {
	for i, a := range args {
		if a == "-jar" && i+1 < len(args) && filepath.Base(args[i+1]) == artifactFileName {
			return true
		}
	}
	return false
}

// PidExists reports whether the given process is still alive.
func PidExists(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

// HeapArg validates the configured maximum heap. A well-formed setting that
// exceeds installed memory yields no flag at all, letting the runtime pick
// its own default; an absent or malformed setting falls back to a size
// derived from installed memory.
func HeapArg(maxHeap string, logger *slog.Logger) string {
	if maxHeap != "" && maxHeapRE.MatchString(maxHeap) {
		if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 && heapBytes(maxHeap) > vm.Total {
			logger.Warn("requested max heap exceeds installed memory, launching without a heap limit",
				"value", maxHeap, "installed_bytes", vm.Total)
			return ""
		}
		return "-Xmx" + strings.ToUpper(maxHeap)
	}
	if maxHeap != "" {
		logger.Warn("invalid max heap setting, deriving from installed memory", "value", maxHeap)
	}
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return "-Xmx2G"
	}
	// Half of installed memory, floored at 1G and capped at 4G.
	halfMB := vm.Total / 2 / 1024 / 1024
	switch {
	case halfMB < 1024:
		return "-Xmx1G"
	case halfMB > 4096:
		return "-Xmx4G"
	default:
		return fmt.Sprintf("-Xmx%dM", halfMB)
	}
}

// heapBytes converts a validated heap setting like "2048M" to bytes. A
// value too large to represent is clamped to the maximum, which no machine
// satisfies.
func heapBytes(s string) uint64 {
	n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil || n > 1<<32 {
		return math.MaxUint64
	}
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		return n << 10
	case "M":
		return n << 20
	default:
		return n << 30
	}
}

// launchArgs builds the full argument list for starting the node process.
// The heap flag is omitted when the configured heap cannot fit.
func launchArgs(javaPath, jarPath, maxHeap string, logger *slog.Logger) (string, []string) {
	args := []string{
		"-Djdk.tls.client.protocols=TLSv1.2",
		"-Xms64M",
	}
	if heap := HeapArg(maxHeap, logger); heap != "" {
		args = append(args, heap)
	}
	return javaPath, append(args, "-jar", jarPath)
}

// processWaitDone wraps cmd.Wait in a channel so callers can select on it.
func processWaitDone(cmd *exec.Cmd) <-chan error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return done
}

// graceful asks a process to stop and falls back to killing it after the
// grace period.
func graceful(ctx context.Context, cmd *exec.Cmd, done <-chan error, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(stopSignal)
	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
}
