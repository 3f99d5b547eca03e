package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/modoterra/sractl/pkg/config"
	"github.com/modoterra/sractl/pkg/core"
	"github.com/modoterra/sractl/pkg/logsink"
)

const cooperativeWorker = `#!/bin/sh
echo "10:00:00[1] | INFO | ready args=$* unbuffered=$PYTHONUNBUFFERED encoding=$PYTHONIOENCODING"
echo "sra>"
while IFS= read -r line; do
  case "$line" in
    exit) echo "10:00:01[1] | INFO | bye"; exit 0 ;;
    "task run"*) echo "10:00:02[1] | INFO | [Start] $line" ;;
    "task stop") echo "10:00:03[1] | INFO | [Done] task stopped" ;;
    fail) echo "10:00:04[1] | ERROR | task failed" >&2
          echo "Traceback (most recent call last):" >&2
          echo "KeyError: 'stage'" >&2 ;;
    *) echo "echo: $line"; echo "sra>" ;;
  esac
done
`

const stubbornWorker = `#!/bin/sh
trap '' TERM INT
echo "10:00:00[1] | INFO | stubborn"
while true; do
  read -r line || sleep 1
done
`

const crashingWorker = `#!/bin/sh
echo "10:00:00[1] | INFO | about to crash"
printf 'partial line without newline'
exit 3
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeWorker installs script as the worker executable in a fresh directory.
func writeWorker(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SRA-cli.exe"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testWorkerConfig() config.Worker {
	return config.Worker{
		Executable:    "SRA-cli.exe",
		IdleMarker:    "sra>",
		FlushInterval: time.Second,
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []core.ProcessState
}

func (n *recordingNotifier) WorkerStateChanged(s core.ProcessState) {
	n.mu.Lock()
	n.states = append(n.states, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) seen(s core.ProcessState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.states {
		if x == s {
			return true
		}
	}
	return false
}

func newTestSupervisor(t *testing.T, script string, opts ...SupervisorOption) (*Supervisor, *logsink.Sink) {
	t.Helper()
	sink := logsink.New(100)
	dir := t.TempDir()
	if script != "" {
		dir = writeWorker(t, script)
	}
	opts = append([]SupervisorOption{WithExeDir(dir)}, opts...)
	s := NewSupervisor(sink, testWorkerConfig(), testLogger(), opts...)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, sink
}

func syscallAlive(pid int) error {
	return syscall.Kill(pid, 0)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func findEntry(sink *logsink.Sink, level core.Level, substr string) (core.LogEntry, bool) {
	for _, e := range sink.Snapshot() {
		if e.Level == level && strings.Contains(e.Text, substr) {
			return e, true
		}
	}
	return core.LogEntry{}, false
}

func hasEntry(sink *logsink.Sink, level core.Level, substr string) func() bool {
	return func() bool {
		_, ok := findEntry(sink, level, substr)
		return ok
	}
}

func TestLocate(t *testing.T) {
	cfg := config.Worker{Executable: "SRA-cli.exe"}

	exeDir := t.TempDir()
	if _, err := Locate(cfg, exeDir); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	local := filepath.Join(exeDir, "SRA-cli.exe")
	os.WriteFile(local, nil, 0o755)
	got, err := Locate(cfg, exeDir)
	if err != nil || got != local {
		t.Fatalf("local: got %q, %v", got, err)
	}

	// the development tree wins over the binary directory
	devRoot := t.TempDir()
	dev := filepath.Join(devRoot, "SRA-cli.exe")
	os.WriteFile(dev, nil, 0o755)
	cfg.DevRoot = devRoot
	got, err = Locate(cfg, exeDir)
	if err != nil || got != dev {
		t.Fatalf("dev: got %q, %v", got, err)
	}
}

func TestLocateDefaultDevRoot(t *testing.T) {
	root := t.TempDir()
	exeDir := filepath.Join(root, "a", "b", "c")
	devRoot := filepath.Join(root, "StarRailAssistant")
	for _, d := range []string{exeDir, devRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	want := filepath.Join(devRoot, "SRA-cli.exe")
	os.WriteFile(want, nil, 0o755)

	got, err := Locate(config.Worker{Executable: "SRA-cli.exe"}, exeDir)
	if err != nil || got != want {
		t.Fatalf("got %q, %v; want %q", got, err, want)
	}
}

func TestReadLines(t *testing.T) {
	input := "  first  \n\n\xffbad\r\nlast"
	var got []string
	if err := readLines(strings.NewReader(input), func(l string) { got = append(got, l) }); err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "�bad", "last"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStartNotFound(t *testing.T) {
	n := &recordingNotifier{}
	s, sink := newTestSupervisor(t, "", WithNotifier(n))

	err := s.Start(context.Background(), "")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if s.Status() != core.StateError {
		t.Errorf("state: got %q, want error", s.Status())
	}
	if !hasEntry(sink, core.LevelError, "not found")() {
		t.Error("missing error entry")
	}
	if !n.seen(core.StateError) {
		t.Error("error state not notified")
	}
}

func TestStartSpawnFailure(t *testing.T) {
	// not executable
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "SRA-cli.exe"), []byte("#!/bin/sh\n"), 0o644)
	sink := logsink.New(100)
	s := NewSupervisor(sink, testWorkerConfig(), testLogger(), WithExeDir(dir))

	err := s.Start(context.Background(), "")
	if !errors.Is(err, core.ErrSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if s.Status() != core.StateError {
		t.Errorf("state: got %q", s.Status())
	}
}

func TestStartAndParseOutput(t *testing.T) {
	n := &recordingNotifier{}
	s, sink := newTestSupervisor(t, cooperativeWorker, WithNotifier(n))

	if err := s.Start(context.Background(), "--profile  daily"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status() != core.StateRunning {
		t.Fatalf("state: got %q", s.Status())
	}
	if !n.seen(core.StateRunning) {
		t.Error("running not notified")
	}
	info := s.Info()
	if info.PID == 0 || info.SessionID == "" || info.StartedAt.IsZero() {
		t.Errorf("incomplete info: %+v", info)
	}

	eventually(t, 2*time.Second,
		hasEntry(sink, core.LevelInfo, "ready args=--inline --profile daily unbuffered=1 encoding=utf-8"),
		"tagged startup line")

	// the idle marker is never logged
	for _, e := range sink.Snapshot() {
		if strings.Contains(e.Text, "sra>") {
			t.Errorf("idle marker logged: %q", e.Text)
		}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t, cooperativeWorker)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	pid := s.PID()
	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if s.PID() != pid {
		t.Errorf("second start spawned a new process: %d != %d", s.PID(), pid)
	}
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	s, sink := newTestSupervisor(t, cooperativeWorker)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Start(context.Background(), ""); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()

	started := 0
	for _, e := range sink.Snapshot() {
		if strings.HasPrefix(e.Text, "worker started") {
			started++
		}
	}
	if started != 1 {
		t.Errorf("expected one spawn, got %d", started)
	}
}

func TestSendInput(t *testing.T) {
	s, sink := newTestSupervisor(t, cooperativeWorker)
	ctx := context.Background()

	if err := s.SendInput(ctx, "hello"); !errors.Is(err, core.ErrNotRunning) {
		t.Fatalf("expected not running, got %v", err)
	}
	if !hasEntry(sink, core.LevelWarn, "not running")() {
		t.Error("missing warn entry for not running")
	}

	if err := s.Start(ctx, ""); err != nil {
		t.Fatal(err)
	}

	if err := s.SendInput(ctx, "   "); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if !hasEntry(sink, core.LevelWarn, "empty input")() {
		t.Error("missing warn entry for empty input")
	}
	// nothing reaches the worker: no echo and no ">>>" record
	time.Sleep(300 * time.Millisecond)
	for _, e := range sink.Snapshot() {
		if strings.Contains(e.Text, "echo:") || strings.HasPrefix(e.Text, ">>>") {
			t.Errorf("blank input reached the worker: %+v", e)
		}
	}

	if err := s.SendInput(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	e, ok := findEntry(sink, core.LevelMessage, ">>> hello")
	if !ok || e.Source != core.SourceWorker {
		t.Errorf("echo entry: %+v, %v", e, ok)
	}
	// untagged reply flushed by the idle marker
	eventually(t, 2*time.Second, hasEntry(sink, core.LevelMessage, "echo: hello"), "echo reply")
}

func TestTaskStateMarkers(t *testing.T) {
	n := &recordingNotifier{}
	s, _ := newTestSupervisor(t, cooperativeWorker, WithNotifier(n))
	ctx := context.Background()

	if err := s.Start(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.TaskRun(ctx, "Default"); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool { return s.Status() == core.StateTaskRunning }, "task-running")
	if !n.seen(core.StateTaskRunning) {
		t.Error("task-running not notified")
	}

	if err := s.TaskStop(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool { return s.Status() == core.StateRunning }, "running after [Done]")
}

func TestErrorBlockFromStderr(t *testing.T) {
	s, sink := newTestSupervisor(t, cooperativeWorker)
	ctx := context.Background()

	if err := s.Start(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SendInput(ctx, "fail"); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, hasEntry(sink, core.LevelError, "KeyError: 'stage'"), "error block")

	e, _ := findEntry(sink, core.LevelError, "KeyError")
	want := "task failed\nTraceback (most recent call last):\nKeyError: 'stage'"
	if e.Text != want {
		t.Errorf("error block: got %q, want %q", e.Text, want)
	}
}

func TestStopGraceful(t *testing.T) {
	n := &recordingNotifier{}
	s, sink := newTestSupervisor(t, cooperativeWorker, WithNotifier(n))
	ctx := context.Background()

	if err := s.Start(ctx, ""); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) >= stopGrace {
		t.Errorf("graceful stop took %s", time.Since(start))
	}
	if s.Status() != core.StateNotRunning {
		t.Errorf("state: got %q", s.Status())
	}
	if s.PID() != 0 {
		t.Errorf("pid after stop: %d", s.PID())
	}
	if !hasEntry(sink, core.LevelInfo, "bye")() {
		t.Error("final output not captured")
	}
	if hasEntry(sink, core.LevelWarn, "unexpectedly")() {
		t.Error("requested stop reported as unexpected exit")
	}
	if !n.seen(core.StateNotRunning) {
		t.Error("not-running not notified")
	}
}

func TestStopKillsStubbornWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, stubbornWorker)
	ctx := context.Background()

	if err := s.Start(ctx, ""); err != nil {
		t.Fatal(err)
	}
	pid := s.PID()

	start := time.Now()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < stopGrace {
		t.Errorf("stop returned before the grace window: %s", elapsed)
	}
	if elapsed > stopGrace+3*time.Second {
		t.Errorf("stop took too long: %s", elapsed)
	}
	if s.Status() != core.StateNotRunning {
		t.Errorf("state: got %q", s.Status())
	}
	if err := syscallAlive(pid); err == nil {
		t.Errorf("process %d still alive", pid)
	}
}

func TestStopWhenIdle(t *testing.T) {
	s, _ := newTestSupervisor(t, "")
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop idle: %v", err)
	}
	if s.Status() != core.StateNotRunning {
		t.Errorf("state: got %q", s.Status())
	}
}

func TestUnexpectedExit(t *testing.T) {
	n := &recordingNotifier{}
	s, sink := newTestSupervisor(t, crashingWorker, WithNotifier(n))

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	eventually(t, 3*time.Second, hasEntry(sink, core.LevelWarn, "worker exited unexpectedly"), "unexpected exit warning")
	if s.Status() != core.StateNotRunning {
		t.Errorf("state: got %q", s.Status())
	}
	// the unterminated last line is still parsed and flushed
	if !hasEntry(sink, core.LevelMessage, "partial line without newline")() {
		t.Error("trailing partial line lost")
	}
	eventually(t, time.Second, func() bool { return n.seen(core.StateNotRunning) }, "not-running notification")
	if info := s.Info(); info.PID != 0 || info.SessionID != "" {
		t.Errorf("crashed session still held: %+v", info)
	}

	// the crashed session is already released, so Stop has nothing to do
	entries := len(sink.Snapshot())
	n.mu.Lock()
	notified := len(n.states)
	n.mu.Unlock()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop after crash: %v", err)
	}
	if got := len(sink.Snapshot()); got != entries {
		t.Errorf("stop after crash added %d entries", got-entries)
	}
	n.mu.Lock()
	if got := len(n.states); got != notified {
		t.Errorf("stop after crash sent %d notifications", got-notified)
	}
	n.mu.Unlock()

	// a crashed worker can be started again
	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
}

func TestRestart(t *testing.T) {
	s, _ := newTestSupervisor(t, cooperativeWorker)
	ctx := context.Background()

	if err := s.Start(ctx, ""); err != nil {
		t.Fatal(err)
	}
	first := s.Info()

	if err := s.Restart(ctx, ""); err != nil {
		t.Fatal(err)
	}
	second := s.Info()
	if second.State != core.StateRunning {
		t.Errorf("state: got %q", second.State)
	}
	if second.PID == first.PID || second.SessionID == first.SessionID {
		t.Errorf("restart reused session: %+v vs %+v", first, second)
	}
}

func TestSetWorkerConfig(t *testing.T) {
	s, _ := newTestSupervisor(t, "")
	cfg := testWorkerConfig()
	cfg.Executable = "other.exe"
	s.SetWorkerConfig(cfg)

	err := s.Start(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "other.exe") {
		t.Errorf("expected lookup of new executable, got %v", err)
	}
}
