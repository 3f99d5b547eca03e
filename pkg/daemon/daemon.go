package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modoterra/sractl/pkg/core"
	"github.com/modoterra/sractl/pkg/logsink"
	"github.com/modoterra/sractl/pkg/store"
	"github.com/modoterra/sractl/pkg/transport/uds"
)

// AutostartDelay is how long the daemon waits after startup before launching the
// worker when autostart is enabled.
const AutostartDelay = 500 * time.Millisecond

var errNoStore = errors.New("store not configured")

// Daemon is the sractld process: it owns the worker supervisor, the log sink and
// the document store, and exposes them over the socket.
type Daemon struct {
	server     *uds.Server
	supervisor *Supervisor
	sink       *logsink.Sink
	store      *store.Store
	version    string
	procRoot   string
	logger     *slog.Logger
}

// New creates a new daemon instance. st may be nil, in which case store methods fail.
func New(socketPath string, sink *logsink.Sink, st *store.Store, logger *slog.Logger) *Daemon {
	d := &Daemon{
		server:   uds.NewServer(socketPath, logger),
		sink:     sink,
		store:    st,
		procRoot: "/proc",
		logger:   logger,
	}
	d.registerHandlers()
	return d
}

// SetSupervisor registers the worker supervisor with the daemon.
func (d *Daemon) SetSupervisor(s *Supervisor) {
	d.supervisor = s
}

// SetVersion sets the version reported by Ping.
func (d *Daemon) SetVersion(v string) {
	d.version = v
}

// Run serves requests and forwards log entries until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.Forward(ctx)
	return d.server.Start(ctx)
}

// Autostart launches the worker after AutostartDelay unless ctx ends first.
func (d *Daemon) Autostart(ctx context.Context, args string) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(AutostartDelay):
		}
		if err := d.supervisor.Start(ctx, args); err != nil {
			d.logger.Error("autostart worker", "err", err)
		}
	}()
}

// Shutdown stops the worker and closes the server.
func (d *Daemon) Shutdown() {
	if d.supervisor != nil {
		if err := d.supervisor.Stop(context.Background()); err != nil {
			d.logger.Warn("stop worker on shutdown", "err", err)
		}
	}
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

// Forward broadcasts every new sink entry to connected clients until ctx ends.
func (d *Daemon) Forward(ctx context.Context) {
	for evt := range d.sink.Subscribe(ctx) {
		msg, err := uds.NewEvent(uds.EventLogsEntry, evt.Payload)
		if err != nil {
			d.logger.Error("encode log event", "err", err)
			continue
		}
		d.server.Broadcast(msg)
	}
}

// WorkerStateChanged implements StateNotifier.
func (d *Daemon) WorkerStateChanged(state core.ProcessState) {
	msg, err := uds.NewEvent(uds.EventWorkerState, uds.WorkerStateEvent{State: state})
	if err != nil {
		d.logger.Error("encode state event", "err", err)
		return
	}
	d.server.Broadcast(msg)
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodWorkerStart, d.handleWorkerStart)
	d.server.Handle(uds.MethodWorkerStop, d.handleWorkerStop)
	d.server.Handle(uds.MethodWorkerRestart, d.handleWorkerRestart)
	d.server.Handle(uds.MethodWorkerStatus, d.handleWorkerStatus)
	d.server.Handle(uds.MethodSendInput, d.handleSendInput)
	d.server.Handle(uds.MethodTaskRun, d.handleTaskRun)
	d.server.Handle(uds.MethodTaskStop, d.handleTaskStop)
	d.server.Handle(uds.MethodLogsSnapshot, d.handleLogsSnapshot)
	d.server.Handle(uds.MethodLogAppend, d.handleLogAppend)
	d.server.Handle(uds.MethodStoreList, d.handleStoreList)
	d.server.Handle(uds.MethodStoreGet, d.handleStoreGet)
	d.server.Handle(uds.MethodStorePut, d.handleStorePut)
	d.server.Handle(uds.MethodStoreDelete, d.handleStoreDelete)
}

var okResponse = uds.OKResponse{OK: true}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: d.version}, nil
}

// startArgs decodes an optional WorkerStartRequest.
func startArgs(msg uds.Message) (string, error) {
	if len(msg.Data) == 0 {
		return "", nil
	}
	var req uds.WorkerStartRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return "", err
	}
	return req.Args, nil
}

func (d *Daemon) handleWorkerStart(ctx context.Context, msg uds.Message) (any, error) {
	args, err := startArgs(msg)
	if err != nil {
		return nil, err
	}
	if err := d.supervisor.Start(ctx, args); err != nil {
		return nil, err
	}
	return d.status(), nil
}

func (d *Daemon) handleWorkerStop(ctx context.Context, _ uds.Message) (any, error) {
	if err := d.supervisor.Stop(ctx); err != nil {
		return nil, err
	}
	return d.status(), nil
}

func (d *Daemon) handleWorkerRestart(ctx context.Context, msg uds.Message) (any, error) {
	args, err := startArgs(msg)
	if err != nil {
		return nil, err
	}
	if err := d.supervisor.Restart(ctx, args); err != nil {
		return nil, err
	}
	return d.status(), nil
}

func (d *Daemon) handleWorkerStatus(_ context.Context, _ uds.Message) (any, error) {
	return d.status(), nil
}

func (d *Daemon) status() uds.WorkerStatusResponse {
	info := d.supervisor.Info()
	resp := uds.WorkerStatusResponse{
		State:     info.State,
		PID:       info.PID,
		SessionID: info.SessionID,
		LogFile:   d.sink.Path(),
	}
	if !info.StartedAt.IsZero() {
		t := info.StartedAt
		resp.StartedAt = &t
	}
	if info.PID != 0 {
		usage, err := groupUsage(d.procRoot, info.PID)
		if err != nil {
			d.logger.Debug("sample worker usage", "pid", info.PID, "err", err)
		} else {
			resp.Processes = usage.Processes
			resp.RSSBytes = usage.RSSBytes
		}
	}
	return resp
}

func (d *Daemon) handleSendInput(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.SendInputRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if err := d.supervisor.SendInput(ctx, req.Line); err != nil {
		return nil, err
	}
	return okResponse, nil
}

func (d *Daemon) handleTaskRun(ctx context.Context, msg uds.Message) (any, error) {
	var req uds.TaskRunRequest
	if len(msg.Data) > 0 {
		if err := msg.UnmarshalData(&req); err != nil {
			return nil, err
		}
	}
	if err := d.supervisor.TaskRun(ctx, req.Config); err != nil {
		return nil, err
	}
	return okResponse, nil
}

func (d *Daemon) handleTaskStop(ctx context.Context, _ uds.Message) (any, error) {
	if err := d.supervisor.TaskStop(ctx); err != nil {
		return nil, err
	}
	return okResponse, nil
}

func (d *Daemon) handleLogsSnapshot(_ context.Context, _ uds.Message) (any, error) {
	return d.sink.Snapshot(), nil
}

func (d *Daemon) handleLogAppend(_ context.Context, msg uds.Message) (any, error) {
	var req uds.LogAppendRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("log text is required: %w", core.ErrInvalidArgument)
	}
	if err := d.sink.Log(core.ParseSource(req.Source), core.ParseLevel(req.Level), req.Text); err != nil {
		return nil, err
	}
	return okResponse, nil
}

func (d *Daemon) storeRequest(msg uds.Message) (uds.StoreRequest, error) {
	var req uds.StoreRequest
	if d.store == nil {
		return req, errNoStore
	}
	err := msg.UnmarshalData(&req)
	return req, err
}

func (d *Daemon) handleStoreList(ctx context.Context, msg uds.Message) (any, error) {
	req, err := d.storeRequest(msg)
	if err != nil {
		return nil, err
	}
	names, err := d.store.List(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}
	return uds.StoreListResponse{Names: names}, nil
}

func (d *Daemon) handleStoreGet(ctx context.Context, msg uds.Message) (any, error) {
	req, err := d.storeRequest(msg)
	if err != nil {
		return nil, err
	}
	value, err := d.store.Get(ctx, req.Namespace, req.Name)
	if err != nil {
		return nil, err
	}
	return uds.StoreGetResponse{Value: value}, nil
}

func (d *Daemon) handleStorePut(ctx context.Context, msg uds.Message) (any, error) {
	req, err := d.storeRequest(msg)
	if err != nil {
		return nil, err
	}
	if err := d.store.Put(ctx, req.Namespace, req.Name, req.Value); err != nil {
		return nil, err
	}
	d.logger.Info("store document saved", "namespace", req.Namespace, "name", req.Name)
	return okResponse, nil
}

func (d *Daemon) handleStoreDelete(ctx context.Context, msg uds.Message) (any, error) {
	req, err := d.storeRequest(msg)
	if err != nil {
		return nil, err
	}
	if err := d.store.Delete(ctx, req.Namespace, req.Name); err != nil {
		return nil, err
	}
	d.logger.Info("store document deleted", "namespace", req.Namespace, "name", req.Name)
	return okResponse, nil
}
