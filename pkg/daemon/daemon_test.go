package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/sractl/pkg/core"
	"github.com/modoterra/sractl/pkg/logsink"
	"github.com/modoterra/sractl/pkg/store"
	"github.com/modoterra/sractl/pkg/transport/uds"
)

func newTestDaemon(t *testing.T, script string) *Daemon {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sractl.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	sink := logsink.New(100)
	d := New(filepath.Join(t.TempDir(), "d.sock"), sink, st, testLogger())
	dir := t.TempDir()
	if script != "" {
		dir = writeWorker(t, script)
	}
	sup := NewSupervisor(sink, testWorkerConfig(), testLogger(), WithExeDir(dir), WithNotifier(d))
	t.Cleanup(func() { sup.Stop(context.Background()) })
	d.SetSupervisor(sup)
	d.SetVersion("test")
	return d
}

func makeMsg(t *testing.T, req any) uds.Message {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return uds.Message{Data: data}
}

func TestHandlePing(t *testing.T) {
	d := newTestDaemon(t, "")
	result, err := d.handlePing(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	resp := result.(uds.PingResponse)
	if !resp.Pong || resp.Version != "test" {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
}

func TestHandleWorkerStatusNotRunning(t *testing.T) {
	d := newTestDaemon(t, "")
	result, err := d.handleWorkerStatus(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	resp := result.(uds.WorkerStatusResponse)
	if resp.State != core.StateNotRunning {
		t.Errorf("state = %s, want not running", resp.State)
	}
	if resp.PID != 0 || resp.StartedAt != nil {
		t.Errorf("idle worker reported pid %d started %v", resp.PID, resp.StartedAt)
	}
}

func TestHandleWorkerStartMissingExecutable(t *testing.T) {
	d := newTestDaemon(t, "")
	_, err := d.handleWorkerStart(context.Background(), uds.Message{})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHandleWorkerStartRejectsBadPayload(t *testing.T) {
	d := newTestDaemon(t, cooperativeWorker)
	_, err := d.handleWorkerStart(context.Background(), uds.Message{Data: json.RawMessage(`"nope"`)})
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestHandleWorkerLifecycle(t *testing.T) {
	d := newTestDaemon(t, cooperativeWorker)
	ctx := context.Background()

	result, err := d.handleWorkerStart(ctx, makeMsg(t, uds.WorkerStartRequest{Args: "--profile daily"}))
	if err != nil {
		t.Fatal(err)
	}
	resp := result.(uds.WorkerStatusResponse)
	if !resp.State.Alive() || resp.PID == 0 || resp.StartedAt == nil {
		t.Fatalf("unexpected status after start: %+v", resp)
	}

	if _, err := d.handleSendInput(ctx, makeMsg(t, uds.SendInputRequest{Line: "hi"})); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, hasEntry(d.sink, core.LevelMessage, "echo: hi"), "echo reply")

	result, err = d.handleWorkerStop(ctx, uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	if st := result.(uds.WorkerStatusResponse).State; st != core.StateNotRunning {
		t.Fatalf("state after stop = %s", st)
	}
}

func TestHandleSendInputNotRunning(t *testing.T) {
	d := newTestDaemon(t, "")
	_, err := d.handleSendInput(context.Background(), makeMsg(t, uds.SendInputRequest{Line: "x"}))
	if !errors.Is(err, core.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestHandleLogAppend(t *testing.T) {
	d := newTestDaemon(t, "")
	ctx := context.Background()

	req := uds.LogAppendRequest{Source: "somewhere", Level: "loud", Text: "clicked start"}
	if _, err := d.handleLogAppend(ctx, makeMsg(t, req)); err != nil {
		t.Fatal(err)
	}
	e, ok := findEntry(d.sink, core.LevelInfo, "clicked start")
	if !ok {
		t.Fatal("appended entry not in snapshot")
	}
	if e.Source != core.SourceFrontend {
		t.Errorf("source = %s, want frontend", e.Source)
	}

	req = uds.LogAppendRequest{Level: "warning", Text: "careful"}
	if _, err := d.handleLogAppend(ctx, makeMsg(t, req)); err != nil {
		t.Fatal(err)
	}
	if _, ok := findEntry(d.sink, core.LevelWarn, "careful"); !ok {
		t.Error("warning entry missing")
	}

	_, err := d.handleLogAppend(ctx, makeMsg(t, uds.LogAppendRequest{Level: "info", Text: "  "}))
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty text, got %v", err)
	}
}

func TestHandleLogsSnapshot(t *testing.T) {
	d := newTestDaemon(t, "")
	d.sink.Log(core.SourceSupervisor, core.LevelInfo, "one")
	d.sink.Log(core.SourceSupervisor, core.LevelInfo, "two")

	result, err := d.handleLogsSnapshot(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	entries := result.([]core.LogEntry)
	if len(entries) != 2 || entries[0].Text != "one" || entries[1].Text != "two" {
		t.Fatalf("unexpected snapshot: %+v", entries)
	}
}

func TestHandleStoreRoundTrip(t *testing.T) {
	d := newTestDaemon(t, "")
	ctx := context.Background()

	put := uds.StoreRequest{
		Namespace: store.NamespaceConfigs,
		Name:      "Default",
		Value:     json.RawMessage(`{"stage":"daily"}`),
	}
	if _, err := d.handleStorePut(ctx, makeMsg(t, put)); err != nil {
		t.Fatal(err)
	}

	result, err := d.handleStoreList(ctx, makeMsg(t, uds.StoreRequest{Namespace: store.NamespaceConfigs}))
	if err != nil {
		t.Fatal(err)
	}
	if names := result.(uds.StoreListResponse).Names; len(names) != 1 || names[0] != "Default" {
		t.Fatalf("unexpected names: %v", names)
	}

	key := uds.StoreRequest{Namespace: store.NamespaceConfigs, Name: "Default"}
	result, err = d.handleStoreGet(ctx, makeMsg(t, key))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(result.(uds.StoreGetResponse).Value); got != `{"stage":"daily"}` {
		t.Errorf("value = %s", got)
	}

	if _, err := d.handleStoreDelete(ctx, makeMsg(t, key)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.handleStoreGet(ctx, makeMsg(t, key)); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestHandleStoreWithoutStore(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "d.sock"), logsink.New(10), nil, testLogger())
	_, err := d.handleStoreList(context.Background(), makeMsg(t, uds.StoreRequest{Namespace: "configs"}))
	if !errors.Is(err, errNoStore) {
		t.Fatalf("expected errNoStore, got %v", err)
	}
}

// TestRunForwardsEvents drives the daemon over its socket and checks that log
// entries and worker state changes reach a subscribed client.
func TestRunForwardsEvents(t *testing.T) {
	d := newTestDaemon(t, cooperativeWorker)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		d.Shutdown()
	})

	select {
	case <-d.Server().Ready():
	case err := <-errCh:
		t.Fatalf("run: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	client, err := uds.Dial(d.Server().SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var mu sync.Mutex
	var texts []string
	var states []core.ProcessState
	client.OnEvent(func(msg uds.Message) {
		mu.Lock()
		defer mu.Unlock()
		switch msg.Method {
		case uds.EventLogsEntry:
			var e core.LogEntry
			if msg.UnmarshalData(&e) == nil {
				texts = append(texts, e.Text)
			}
		case uds.EventWorkerState:
			var ev uds.WorkerStateEvent
			if msg.UnmarshalData(&ev) == nil {
				states = append(states, ev.State)
			}
		}
	})

	reqCtx, reqCancel := context.WithTimeout(ctx, 3*time.Second)
	defer reqCancel()

	var pong uds.PingResponse
	if err := client.Call(reqCtx, uds.MethodPing, nil, &pong); err != nil {
		t.Fatal(err)
	}
	if !pong.Pong {
		t.Fatal("expected pong")
	}

	var status uds.WorkerStatusResponse
	if err := client.Call(reqCtx, uds.MethodWorkerStart, uds.WorkerStartRequest{}, &status); err != nil {
		t.Fatal(err)
	}
	if !status.State.Alive() {
		t.Fatalf("state after remote start = %s", status.State)
	}

	eventually(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		gotLog, gotState := false, false
		for _, text := range texts {
			if text == "ready args=--inline unbuffered=1 encoding=utf-8" {
				gotLog = true
			}
		}
		for _, s := range states {
			if s.Alive() {
				gotState = true
			}
		}
		return gotLog && gotState
	}, "log and state events over the socket")

	// Errors keep their kind across the wire.
	err = client.Call(reqCtx, uds.MethodLogAppend, uds.LogAppendRequest{Text: ""}, nil)
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected remote ErrInvalidArgument, got %v", err)
	}
}
