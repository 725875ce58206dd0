// Package supervisor runs and watches the locally managed node process. It
// downloads the node artifact, renders its configuration, launches the
// process, waits for the readiness line, and keeps probing its health,
// restarting with exponential backoff when the process misbehaves.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/soundmesh/fleet/internal/registry"
	"github.com/soundmesh/fleet/internal/store"
	"github.com/soundmesh/fleet/pkg/config"
)

// State is the supervisor's lifecycle phase.
type State string

const (
	StateIdle            State = "idle"
	StateDownloading     State = "downloading"
	StateStarting        State = "starting"
	StateWaitingForReady State = "waiting_for_ready"
	StateMonitoring      State = "monitoring"
	StateRestarting      State = "restarting"
	StateAdoptedExternal State = "adopted_external"
	StateStopped         State = "stopped"
)

// Lines the node process prints that drive the start phase.
const (
	readyLine       = "Lavalink is ready to accept connections."
	portInUseLine   = "Web server failed to start. Port"
	startFailedLine = "APPLICATION FAILED TO START"
)

// startOutcome is the result of one start attempt. Adoption of an external
// process is a deliberate outcome, not an error path.
type startOutcome struct {
	adopted  bool
	external *ExternalConfig
}

// Supervisor manages the lifecycle of the bundled node process.
type Supervisor struct {
	cfg       config.ManagedConfig
	registry  *registry.Registry
	configs   store.NodeConfigStore
	artifacts *ArtifactClient
	logger    *slog.Logger

	ready   *latch
	aborted *latch
	backoff *Backoff

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	waitDone <-chan error
	pid      int
	restarts int
	abortErr error
	stopCh   chan struct{}
	stopped  chan struct{}
	running  bool

	// onRestart, when set, is invoked after the managed node reconnects
	// following a restart so displaced players can be moved back.
	onRestart func(ctx context.Context)
}

// New creates a Supervisor. The registry receives the managed node once the
// process is up; configs supplies the bundled node document.
func New(cfg config.ManagedConfig, reg *registry.Registry, configs store.NodeConfigStore, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		registry:  reg,
		configs:   configs,
		artifacts: NewArtifactClient(cfg.UpdateURL, logger),
		logger:    logger.With("component", "supervisor"),
		ready:     newLatch(),
		aborted:   newLatch(),
		backoff:   NewBackoff(2*time.Second, 2*time.Minute, 2),
		state:     StateIdle,
	}
}

// SetRestartHook registers a callback run after each successful restart.
func (s *Supervisor) SetRestartHook(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.onRestart = fn
	s.mu.Unlock()
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the supervised process ID, or 0 when no process is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start launches the supervise loop, superseding a previous one: any
// running loop and its process are shut down first. It returns immediately;
// use WaitUntilReady to block for the node.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		if err := s.Shutdown(ctx); err != nil {
			return fmt.Errorf("stopping previous supervise loop: %w", err)
		}
	}

	s.mu.Lock()
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.restarts = 0
	s.abortErr = nil
	s.mu.Unlock()

	s.setState(StateIdle)
	s.aborted.Clear()
	go s.superviseLoop(ctx)
	return nil
}

// superviseLoop runs start attempts until one fails fatally, the restart
// budget is exhausted, or the supervisor is shut down.
func (s *Supervisor) superviseLoop(ctx context.Context) {
	defer close(s.stopped)
	for {
		err := s.runOnce(ctx)
		if err == nil || errors.Is(err, ErrAdoptedExternal) {
			// Clean shutdown or a deliberate handoff to an external
			// process; either way supervision is over.
			return
		}
		if ctx.Err() != nil || s.stopping() {
			return
		}
		if !retryable(err) {
			s.logger.Error("managed node failed fatally", "error", err)
			s.abort(err)
			return
		}

		s.mu.Lock()
		s.restarts++
		restarts := s.restarts
		s.mu.Unlock()
		if s.cfg.MaxRestarts > 0 && restarts > s.cfg.MaxRestarts {
			s.logger.Error("managed node restart budget exhausted",
				"restarts", restarts, "max", s.cfg.MaxRestarts, "error", err)
			s.abort(fmt.Errorf("restart budget exhausted after %d attempts: %w", restarts, err))
			return
		}

		delay := s.backoff.Delay()
		s.logger.Warn("managed node restarting",
			"error", err, "attempt", restarts, "delay", delay)
		s.setState(StateRestarting)
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runOnce performs a single full lifecycle: ensure artifact, render config,
// launch, wait for readiness, connect the node, monitor health. It returns
// nil only on deliberate shutdown.
func (s *Supervisor) runOnce(ctx context.Context) error {
	if err := ArchitectureCheck(runtime.GOARCH); err != nil {
		return err
	}
	if _, err := RuntimeCheck(ctx, s.cfg.JavaPath); err != nil {
		return err
	}

	outcome, err := s.detectExternal(ctx)
	if err == nil && outcome.adopted {
		return s.adoptExternal(ctx, outcome.external)
	}

	if err := s.ensureArtifact(ctx); err != nil {
		return err
	}

	bundled, err := s.configs.Bundled(ctx)
	if err != nil {
		return fmt.Errorf("load bundled node config: %w", err)
	}
	s.applyManagedOverrides(ctx, bundled)
	if err := WriteAppConfig(bundled, s.cfg.TelemetryDSN, s.cfg.AppConfigPath()); err != nil {
		return err
	}

	cmd, lines, done, err := s.launch(ctx)
	if err != nil {
		return err
	}
	defer s.reap(ctx, cmd, done)

	if err := s.awaitReadyLine(ctx, lines, done); err != nil {
		if errors.Is(err, errStopRequested) {
			return nil
		}
		return err
	}

	if err := s.connectNode(ctx, bundled); err != nil {
		return err
	}
	s.ready.Set()
	s.runRestartHook(ctx)

	return s.monitor(ctx, done)
}

// detectExternal checks for an already-running node process on this
// machine. When one is found with a readable config, it is adopted instead
// of launching a second instance.
func (s *Supervisor) detectExternal(ctx context.Context) (startOutcome, error) {
	ext, err := FindExternalProcess(ctx)
	if err != nil || ext == nil {
		return startOutcome{}, err
	}
	s.logger.Info("found running external node process",
		"pid", ext.PID, "config", ext.ConfigPath)
	extCfg, err := ParseExternalConfig(ext.ConfigPath)
	if err != nil {
		s.logger.Warn("external node config unreadable, will not adopt", "error", err)
		return startOutcome{}, nil
	}
	return startOutcome{adopted: true, external: extCfg}, nil
}

// adoptExternal registers the detected external process as an unmanaged
// node and ends supervision.
func (s *Supervisor) adoptExternal(ctx context.Context, ext *ExternalConfig) error {
	s.setState(StateAdoptedExternal)
	n, err := s.registry.AddNode(registry.AddOptions{
		Identifier: store.BundledNodeID,
		Name:       "adopted-external",
		Host:       ext.Host,
		Port:       ext.Port,
		Password:   ext.Password,
	})
	if err != nil {
		s.abort(fmt.Errorf("register adopted external node: %w", err))
		return fmt.Errorf("register adopted external node: %w", err)
	}
	if err := n.Connect(ctx); err != nil {
		s.logger.Warn("adopted external node connect failed", "error", err)
	}
	s.ready.Set()
	s.logger.Info("adopted external node, supervision ended",
		"host", ext.Host, "port", ext.Port)
	return ErrAdoptedExternal
}

// ensureArtifact downloads the node artifact when missing or, with
// auto-update on, when the update service reports a newer build.
func (s *Supervisor) ensureArtifact(ctx context.Context) error {
	s.setState(StateDownloading)
	jar := s.cfg.ArtifactPath()

	_, statErr := os.Stat(jar)
	haveJar := statErr == nil

	if haveJar && !s.cfg.AutoUpdate {
		return nil
	}

	info, err := s.artifacts.LatestBuild(ctx)
	if err != nil {
		return err
	}
	if haveJar && info.Number >= 0 {
		local, err := ArtifactCheck(ctx, s.cfg.JavaPath, jar)
		if err == nil && local.Build >= info.Number {
			s.logger.Debug("node artifact up to date", "build", local.Build)
			return nil
		}
	}
	if haveJar && info.Number < 0 {
		// Update service unreachable; run what we have.
		s.logger.Warn("update service unreachable, keeping existing artifact")
		return nil
	}

	s.logger.Info("downloading node artifact", "build", info.Number, "branch", info.Branch)
	if _, err := s.artifacts.Download(ctx, info.ArtifactURL, jar); err != nil {
		return err
	}
	return nil
}

// applyManagedOverrides forces the document's address, port and password
// to the supervisor's settings so the rendered config and the registry
// entry agree, persisting the document when it changed.
func (s *Supervisor) applyManagedOverrides(ctx context.Context, bundled *store.NodeConfig) {
	changed := false
	if s.cfg.Port != 0 && bundled.Port != s.cfg.Port {
		bundled.Port = s.cfg.Port
		changed = true
	}
	if s.cfg.Password != "" && bundled.Password != s.cfg.Password {
		bundled.Password = s.cfg.Password
		changed = true
	}
	if server, ok := section(bundled.Document, "server"); ok {
		if intVal(server["port"]) != bundled.Port {
			server["port"] = bundled.Port
			changed = true
		}
	}
	if server, ok := section(bundled.Document, "lavalink", "server"); ok {
		if str(server["password"]) != bundled.Password {
			server["password"] = bundled.Password
			changed = true
		}
	}
	if changed {
		if err := s.configs.Save(ctx, bundled); err != nil {
			s.logger.Warn("could not persist bundled node config", "error", err)
		}
	}
}

// launch starts the node process with merged stdout and stderr, returning a
// channel of output lines and the process exit channel.
func (s *Supervisor) launch(ctx context.Context) (*exec.Cmd, <-chan string, <-chan error, error) {
	s.setState(StateStarting)

	bin, args := launchArgs(s.cfg.JavaPath, s.cfg.ArtifactPath(), s.cfg.MaxHeap, s.logger)
	cmd := exec.Command(bin, args...)
	cmd.Dir = s.cfg.DownloadDir

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: output pipe: %v", ErrStartFailure, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrStartFailure, err)
	}
	// The child holds its own descriptor; closing ours lets the reader
	// see EOF when the process exits.
	pw.Close()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		defer pr.Close()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	done := processWaitDone(cmd)

	s.mu.Lock()
	s.cmd = cmd
	s.waitDone = done
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	s.logger.Info("managed node process started", "pid", cmd.Process.Pid)
	return cmd, lines, done, nil
}

// awaitReadyLine consumes process output until the readiness line appears,
// a known failure line appears, the process exits, or the start timeout
// elapses.
func (s *Supervisor) awaitReadyLine(ctx context.Context, lines <-chan string, done <-chan error) error {
	s.setState(StateWaitingForReady)

	timeout := s.cfg.StartTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return ErrEarlyExit
			}
			s.logger.Debug("node output", "line", line)
			switch {
			case strings.Contains(line, readyLine):
				// Keep draining so the process never blocks on a
				// full pipe.
				go drain(lines)
				return nil
			case strings.Contains(line, portInUseLine):
				return fmt.Errorf("%w: %d", ErrPortInUse, s.cfg.Port)
			case strings.Contains(line, startFailedLine):
				return ErrStartFailure
			}
		case err := <-done:
			return fmt.Errorf("%w: %v", ErrEarlyExit, err)
		case <-timer.C:
			return fmt.Errorf("%w: no readiness within %s", ErrStartFailure, timeout)
		case <-s.stopCh:
			return errStopRequested
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func drain(lines <-chan string) {
	for range lines {
	}
}

// connectNode registers the managed node and dials its link. On a restart
// the stale registration is replaced so the resume key reflects the new
// process.
func (s *Supervisor) connectNode(ctx context.Context, bundled *store.NodeConfig) error {
	if existing := s.registry.GetNode(store.BundledNodeID); existing != nil {
		if err := s.registry.RemoveNode(ctx, store.BundledNodeID); err != nil {
			return fmt.Errorf("replace managed node registration: %w", err)
		}
	}

	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()

	n, err := s.registry.AddNode(registry.AddOptions{
		Identifier:      store.BundledNodeID,
		Name:            bundled.Name,
		Host:            bundled.Host,
		Port:            bundled.Port,
		Password:        bundled.Password,
		Managed:         true,
		ResumeKey:       fmt.Sprintf("managed-%d-%s", pid, store.BundledNodeID),
		ResumeTimeout:   time.Duration(bundled.ResumeTimeout) * time.Second,
		DisabledSources: bundled.DisabledSources,
		Extras:          bundled.Extras,
	})
	if err != nil {
		return fmt.Errorf("register managed node: %w", err)
	}
	if err := n.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect: %v", ErrStartFailure, err)
	}
	if err := n.WaitUntilReady(ctx, 30*time.Second); err != nil {
		return fmt.Errorf("%w: link not ready: %v", ErrStartFailure, err)
	}
	if err := n.UpdateFeatures(ctx); err != nil {
		s.logger.Warn("managed node feature probe failed", "error", err)
	}
	return nil
}

// healthyResetWindow is how long the node must stay healthy before the
// restart backoff returns to its base delay.
const healthyResetWindow = 5 * time.Minute

// monitor probes the running process until it fails or the supervisor is
// shut down. Returning nil means deliberate shutdown.
func (s *Supervisor) monitor(ctx context.Context, done <-chan error) error {
	s.setState(StateMonitoring)

	interval := s.cfg.HealthInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthySince := time.Now()
	reset := false

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			pid := s.pid
			s.mu.Unlock()
			if !PidExists(ctx, int32(pid)) {
				s.ready.Clear()
				return ErrProcessGone
			}
			n := s.registry.ManagedNode()
			if n == nil || !n.Available() {
				s.ready.Clear()
				return fmt.Errorf("%w: link lost", ErrNodeUnhealthy)
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := n.Conn().Ping(pingCtx)
			cancel()
			if err != nil {
				s.ready.Clear()
				return fmt.Errorf("%w: %v", ErrNodeUnhealthy, err)
			}
			if !reset && time.Since(healthySince) >= healthyResetWindow {
				s.backoff.Reset()
				s.mu.Lock()
				s.restarts = 0
				s.mu.Unlock()
				reset = true
			}
		case err := <-done:
			s.ready.Clear()
			return fmt.Errorf("%w: %v", ErrProcessGone, err)
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) runRestartHook(ctx context.Context) {
	s.mu.Lock()
	fn := s.onRestart
	s.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

// reap tears down the process after a lifecycle ends, unless the same
// process is still healthy and the loop is exiting deliberately.
func (s *Supervisor) reap(ctx context.Context, cmd *exec.Cmd, done <-chan error) {
	select {
	case <-done:
		// Already exited.
	default:
		graceful(ctx, cmd, done, 10*time.Second)
	}
	s.mu.Lock()
	if s.cmd == cmd {
		s.cmd = nil
		s.pid = 0
	}
	s.mu.Unlock()
}

func (s *Supervisor) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// abort marks the supervisor as permanently failed and releases waiters.
func (s *Supervisor) abort(err error) {
	s.mu.Lock()
	s.abortErr = err
	s.state = StateStopped
	s.mu.Unlock()
	s.aborted.Set()
}

// WaitUntilReady blocks until the managed node is connected and serving, or
// supervision has failed for good.
func (s *Supervisor) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-s.ready.waitCh():
		return nil
	case <-s.aborted.waitCh():
		s.mu.Lock()
		err := s.abortErr
		s.mu.Unlock()
		if err == nil {
			err = errors.New("supervision aborted")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return context.DeadlineExceeded
	}
}

// Restart stops the running process; the supervise loop relaunches it with
// the current configuration.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.waitDone
	s.mu.Unlock()
	if cmd == nil {
		return errors.New("no managed process running")
	}
	s.ready.Clear()
	s.logger.Info("restarting managed node on request")
	graceful(ctx, cmd, done, 10*time.Second)
	return nil
}

// Shutdown stops supervision and the managed process, and removes the
// managed node from the registry.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cmd, done := s.cmd, s.waitDone
	stopped := s.stopped
	close(s.stopCh)
	s.mu.Unlock()

	if cmd != nil {
		graceful(ctx, cmd, done, 10*time.Second)
	}
	select {
	case <-stopped:
	case <-ctx.Done():
	}

	if s.registry.GetNode(store.BundledNodeID) != nil {
		if err := s.registry.RemoveNode(ctx, store.BundledNodeID); err != nil {
			s.logger.Warn("could not remove managed node", "error", err)
		}
	}
	s.ready.Clear()
	s.setState(StateStopped)
	s.logger.Info("supervisor stopped")
	return nil
}
