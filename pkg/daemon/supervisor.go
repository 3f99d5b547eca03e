package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/modoterra/sractl/pkg/config"
	"github.com/modoterra/sractl/pkg/core"
	"github.com/modoterra/sractl/pkg/logsink"
	"github.com/modoterra/sractl/pkg/parser"
	"github.com/modoterra/sractl/pkg/tracing"
)

const (
	// stopGrace is how long Stop waits after sending "exit" before killing.
	stopGrace = time.Second
	// restartSettle separates the stop and start halves of Restart.
	restartSettle = 500 * time.Millisecond

	launchFlag = "--inline"
	exitCmd    = "exit"

	taskStartMarker = "[Start]"
	taskDoneMarker  = "[Done]"
)

var workerEnv = []string{"PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8"}

// StateNotifier is told about worker state changes. Notifications are advisory
// and may be coalesced or reordered relative to log entries.
type StateNotifier interface {
	WorkerStateChanged(state core.ProcessState)
}

// WorkerInfo describes the current worker session.
type WorkerInfo struct {
	State     core.ProcessState
	PID       int
	SessionID string
	StartedAt time.Time
}

// session owns one spawned worker and everything attached to it.
type session struct {
	id      string
	cmd     *exec.Cmd
	pid     int
	started time.Time
	parser  *parser.Parser

	stdinMu sync.Mutex
	stdin   io.WriteCloser
	stdout  *os.File
	stderr  *os.File

	stopping atomic.Bool
	exited   chan struct{} // closed by the reaper after Wait returns
	outDone  chan struct{} // closed when the output pump finishes
}

func (ss *session) hasExited() bool {
	select {
	case <-ss.exited:
		return true
	default:
		return false
	}
}

func (ss *session) outputClosed() bool {
	select {
	case <-ss.outDone:
		return true
	default:
		return false
	}
}

func (ss *session) write(line string) error {
	ss.stdinMu.Lock()
	defer ss.stdinMu.Unlock()
	_, err := io.WriteString(ss.stdin, line+"\n")
	return err
}

// release closes the read ends, unblocking any pump still reading.
func (ss *session) release() {
	ss.stdout.Close()
	ss.stderr.Close()
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithNotifier registers a state change listener.
func WithNotifier(n StateNotifier) SupervisorOption {
	return func(s *Supervisor) { s.notifier = n }
}

// WithTracer wraps lifecycle operations in spans.
func WithTracer(t trace.Tracer) SupervisorOption {
	return func(s *Supervisor) { s.tracer = t }
}

// WithExeDir overrides the directory the worker is searched relative to.
func WithExeDir(dir string) SupervisorOption {
	return func(s *Supervisor) { s.exeDir = dir }
}

// Supervisor runs at most one worker process and pumps its output into a sink.
type Supervisor struct {
	// lifecycle serializes Start, Stop and Restart end to end.
	lifecycle sync.Mutex

	mu    sync.Mutex
	cfg   config.Worker
	state core.ProcessState
	sess  *session

	sink     *logsink.Sink
	notifier StateNotifier
	tracer   trace.Tracer
	exeDir   string
	logger   *slog.Logger
}

// NewSupervisor creates a supervisor that records worker output in sink.
func NewSupervisor(sink *logsink.Sink, cfg config.Worker, logger *slog.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		state:  core.StateNotRunning,
		sink:   sink,
		tracer: noop.NewTracerProvider().Tracer("noop"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exeDir == "" {
		s.exeDir = executableDir()
	}
	return s
}

// SetWorkerConfig replaces the launch configuration used by the next Start.
func (s *Supervisor) SetWorkerConfig(cfg config.Worker) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Status returns the current state.
func (s *Supervisor) Status() core.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the current state and session details.
func (s *Supervisor) Info() WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := WorkerInfo{State: s.state}
	if s.sess != nil && !s.sess.hasExited() {
		info.PID = s.sess.pid
		info.SessionID = s.sess.id
		info.StartedAt = s.sess.started
	}
	return info
}

// PID returns the worker's process ID, or 0 when no worker is alive.
func (s *Supervisor) PID() int {
	return s.Info().PID
}

// Start launches the worker. It is a no-op when a worker is already alive. An
// empty args uses the configured default arguments.
func (s *Supervisor) Start(ctx context.Context, args string) (err error) {
	_, span := s.tracer.Start(ctx, "supervisor.start")
	defer func() { tracing.End(span, err) }()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.start(args); err != nil {
		return err
	}
	info := s.Info()
	span.SetAttributes(attribute.String("session.id", info.SessionID), attribute.Int("worker.pid", info.PID))
	return nil
}

// Stop asks the worker to exit and kills it if it has not done so within the
// grace window. Stopping an idle supervisor succeeds.
func (s *Supervisor) Stop(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "supervisor.stop")
	defer func() { tracing.End(span, err) }()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()
	return nil
}

// Restart stops the worker, waits briefly, and starts it again.
func (s *Supervisor) Restart(ctx context.Context, args string) (err error) {
	_, span := s.tracer.Start(ctx, "supervisor.restart")
	defer func() { tracing.End(span, err) }()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()
	time.Sleep(restartSettle)
	return s.start(args)
}

// SendInput writes one command line to the worker.
func (s *Supervisor) SendInput(ctx context.Context, line string) (err error) {
	_, span := s.tracer.Start(ctx, "supervisor.send_input")
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(line) == "" {
		s.record(core.SourceSupervisor, core.LevelWarn, "cannot send empty input")
		return fmt.Errorf("send input: %w", core.ErrInvalidArgument)
	}

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil || sess.hasExited() {
		s.record(core.SourceSupervisor, core.LevelWarn, "worker is not running")
		return fmt.Errorf("send input: %w", core.ErrNotRunning)
	}
	span.SetAttributes(attribute.String("session.id", sess.id))

	if err := sess.write(line); err != nil {
		s.record(core.SourceSupervisor, core.LevelError, "failed to send input: "+err.Error())
		return fmt.Errorf("send input: %w: %w", core.ErrIO, err)
	}
	s.record(core.SourceWorker, core.LevelMessage, ">>> "+line)
	return nil
}

// TaskRun asks the worker to run a task, optionally with a named config.
func (s *Supervisor) TaskRun(ctx context.Context, cfg string) error {
	line := "task run"
	if cfg = strings.TrimSpace(cfg); cfg != "" {
		line += " " + cfg
	}
	return s.SendInput(ctx, line)
}

// TaskStop asks the worker to abort the running task.
func (s *Supervisor) TaskStop(ctx context.Context) error {
	return s.SendInput(ctx, "task stop")
}

// start requires s.lifecycle.
func (s *Supervisor) start(args string) error {
	s.mu.Lock()
	if s.sess != nil && !s.sess.hasExited() && !s.sess.outputClosed() {
		s.mu.Unlock()
		return nil
	}
	prev := s.sess
	s.sess = nil
	cfg := s.cfg
	s.mu.Unlock()

	if prev != nil {
		// A worker that closed its output is finished even if the process lingers.
		if !prev.hasExited() {
			killGroup(prev.cmd.Process)
			<-prev.exited
		}
		prev.release()
	}

	exe, err := Locate(cfg, s.exeDir)
	if err != nil {
		s.fail("worker executable not found: " + err.Error())
		return err
	}

	if strings.TrimSpace(args) == "" {
		args = cfg.Args
	}
	sess, err := s.spawn(exe, args)
	if err != nil {
		s.fail("failed to start worker: " + err.Error())
		return fmt.Errorf("start %s: %w: %w", exe, core.ErrSpawn, err)
	}

	s.mu.Lock()
	s.sess = sess
	s.state = core.StateRunning
	s.mu.Unlock()

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	marker := cfg.IdleMarker

	go s.reap(sess)
	go s.pumpOutput(sess, marker)
	go s.pumpError(sess)
	go s.flushLoop(sess, interval)

	s.logger.Info("worker started", "pid", sess.pid, "session", sess.id, "exe", exe, "args", args)
	s.record(core.SourceSupervisor, core.LevelInfo, fmt.Sprintf("worker started (pid %d, session %s)", sess.pid, sess.id))
	s.notify(core.StateRunning)
	return nil
}

func (s *Supervisor) spawn(exe, args string) (*session, error) {
	argv := append([]string{launchFlag}, strings.Fields(args)...)
	cmd := exec.Command(exe, argv...)
	cmd.Dir = filepath.Dir(exe)
	cmd.Env = append(os.Environ(), workerEnv...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	// The child holds its own copies; ours must close so EOF arrives on exit.
	outW.Close()
	errW.Close()
	if startErr != nil {
		stdin.Close()
		outR.Close()
		errR.Close()
		return nil, startErr
	}

	return &session{
		id:      uuid.NewString(),
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		parser:  parser.New(),
		stdin:   stdin,
		stdout:  outR,
		stderr:  errR,
		exited:  make(chan struct{}),
		outDone: make(chan struct{}),
	}, nil
}

// stop requires s.lifecycle.
func (s *Supervisor) stop() {
	s.mu.Lock()
	sess := s.sess
	prevState := s.state
	s.mu.Unlock()

	if sess == nil {
		if prevState != core.StateNotRunning {
			s.setState(core.StateNotRunning)
			s.notify(core.StateNotRunning)
		}
		return
	}

	sess.stopping.Store(true)
	if !sess.hasExited() {
		if err := sess.write(exitCmd); err != nil {
			s.logger.Debug("send exit", "err", err)
		}
		select {
		case <-sess.exited:
		case <-time.After(stopGrace):
			s.logger.Warn("worker ignored exit, killing", "pid", sess.pid)
			if err := killGroup(sess.cmd.Process); err != nil {
				s.logger.Warn("kill worker", "pid", sess.pid, "err", err)
			}
			<-sess.exited
		}
	}

	// Let the output pump drain, but never hang on a pipe held open elsewhere.
	select {
	case <-sess.outDone:
	case <-time.After(stopGrace):
	}
	sess.release()

	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.state = core.StateNotRunning
	s.mu.Unlock()

	s.logger.Info("worker stopped", "pid", sess.pid, "session", sess.id)
	s.record(core.SourceSupervisor, core.LevelInfo, "worker stopped")
	s.notify(core.StateNotRunning)
}

func (s *Supervisor) reap(sess *session) {
	err := sess.cmd.Wait()
	code := -1
	if sess.cmd.ProcessState != nil {
		code = sess.cmd.ProcessState.ExitCode()
	}
	s.logger.Info("worker exited", "pid", sess.pid, "session", sess.id, "exit_code", code, "err", err)
	close(sess.exited)
}

// fail moves to the error state and records why.
func (s *Supervisor) fail(msg string) {
	s.setState(core.StateError)
	s.logger.Error("worker start failed", "err", msg)
	s.record(core.SourceSupervisor, core.LevelError, msg)
	s.notify(core.StateError)
}

func (s *Supervisor) setState(state core.ProcessState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// setSessionState changes state only while sess is the current, alive session.
func (s *Supervisor) setSessionState(sess *session, state core.ProcessState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != sess || !s.state.Alive() || s.state == state {
		return false
	}
	s.state = state
	return true
}

func (s *Supervisor) notify(state core.ProcessState) {
	if s.notifier != nil {
		s.notifier.WorkerStateChanged(state)
	}
}

func (s *Supervisor) record(source core.Source, level core.Level, text string) {
	if err := s.sink.Log(source, level, text); err != nil {
		s.logger.Warn("log sink append", "err", err)
	}
}

func (s *Supervisor) appendEntries(entries []core.LogEntry) {
	for _, e := range entries {
		if err := s.sink.Append(e); err != nil {
			s.logger.Warn("log sink append", "err", err)
		}
	}
}
