package model

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/sractl/pkg/core"
	"github.com/modoterra/sractl/pkg/transport/uds"
)

// maxEntries bounds the console scrollback, matching the daemon's default buffer.
const maxEntries = 1000

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	events     chan uds.Message

	// State
	entries []core.LogEntry
	worker  uds.WorkerStatusResponse

	// UI
	logs   viewport.Model
	input  textinput.Model
	width  int
	height int
	ready  bool

	// Error display
	statusMsg string
}

// New creates a new TUI app model.
func New(socketPath string) App {
	ti := textinput.New()
	ti.Placeholder = "command for the worker..."
	ti.Prompt = "sra> "
	ti.CharLimit = 512
	ti.Focus()

	return App{
		socketPath: socketPath,
		input:      ti,
		worker:     uds.WorkerStatusResponse{State: core.StateNotRunning},
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		textinput.Blink,
		tea.SetWindowTitle("sractl"),
	)
}

// tickMsg triggers periodic status refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct {
	client *uds.Client
	events chan uds.Message
}

// disconnectedMsg is sent when the daemon connection drops.
type disconnectedMsg struct{}

// reconnectMsg asks for a new connection attempt.
type reconnectMsg struct{}

// snapshotMsg carries the daemon's buffered entries.
type snapshotMsg struct{ entries []core.LogEntry }

// entryMsg carries one live entry.
type entryMsg core.LogEntry

// workerStateMsg carries an advisory state change.
type workerStateMsg core.ProcessState

// statusMsg carries a full worker status.
type statusMsg uds.WorkerStatusResponse

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// actionResultMsg carries the result of an action.
type actionResultMsg struct{ msg string }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		events := make(chan uds.Message, 256)
		client.OnEvent(func(m uds.Message) {
			select {
			case events <- m:
			default:
			}
		})
		return connectedMsg{client: client, events: events}
	}
}

func reconnectCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent turns the next pushed event into a tea message.
func waitForEvent(client *uds.Client, events <-chan uds.Message) tea.Cmd {
	return func() tea.Msg {
		select {
		case m := <-events:
			switch m.Method {
			case uds.EventLogsEntry:
				var e core.LogEntry
				if err := m.UnmarshalData(&e); err != nil {
					return errorMsg{err}
				}
				return entryMsg(e)
			case uds.EventWorkerState:
				var ev uds.WorkerStateEvent
				if err := m.UnmarshalData(&ev); err != nil {
					return errorMsg{err}
				}
				return workerStateMsg(ev.State)
			}
			return nil
		case <-client.Done():
			return disconnectedMsg{}
		}
	}
}

func fetchSnapshotCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var entries []core.LogEntry
		if err := client.Call(ctx, uds.MethodLogsSnapshot, nil, &entries); err != nil {
			return errorMsg{err}
		}
		return snapshotMsg{entries}
	}
}

func fetchStatusCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var st uds.WorkerStatusResponse
		if err := client.Call(ctx, uds.MethodWorkerStatus, nil, &st); err != nil {
			return errorMsg{err}
		}
		return statusMsg(st)
	}
}

func actionCmd(client *uds.Client, method, label string, data any) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Call(ctx, method, data, nil); err != nil {
			return errorMsg{err}
		}
		return actionResultMsg{msg: label}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		w, h := a.logSize()
		if !a.ready {
			a.logs = viewport.New(w, h)
			a.ready = true
		} else {
			a.logs.Width = w
			a.logs.Height = h
		}
		a.input.Width = max(a.width-len(a.input.Prompt)-6, 10)
		a.refreshLogs(true)
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.events = msg.events
		a.connected = true
		a.statusMsg = "connected"
		return a, tea.Batch(
			fetchSnapshotCmd(a.client),
			fetchStatusCmd(a.client),
			waitForEvent(a.client, a.events),
			tickCmd(),
		)

	case disconnectedMsg:
		a.client = nil
		a.connected = false
		a.statusMsg = "daemon connection lost, retrying..."
		return a, reconnectCmd()

	case reconnectMsg:
		if a.connected {
			return a, nil
		}
		return a, connectCmd(a.socketPath)

	case tickMsg:
		if a.client != nil {
			return a, tea.Batch(tickCmd(), fetchStatusCmd(a.client))
		}
		return a, nil

	case snapshotMsg:
		a.entries = trimEntries(msg.entries)
		a.refreshLogs(true)
		return a, nil

	case entryMsg:
		follow := !a.ready || a.logs.AtBottom()
		a.entries = trimEntries(append(a.entries, core.LogEntry(msg)))
		a.refreshLogs(follow)
		return a, a.nextEvent()

	case workerStateMsg:
		a.worker.State = core.ProcessState(msg)
		var cmd tea.Cmd
		if a.client != nil {
			// pid and start time change with the state
			cmd = fetchStatusCmd(a.client)
		}
		return a, tea.Batch(cmd, a.nextEvent())

	case statusMsg:
		a.worker = uds.WorkerStatusResponse(msg)
		return a, nil

	case actionResultMsg:
		a.statusMsg = msg.msg
		if a.client != nil {
			return a, fetchStatusCmd(a.client)
		}
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		if !a.connected {
			return a, reconnectCmd()
		}
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a App) nextEvent() tea.Cmd {
	if a.client == nil || a.events == nil {
		return nil
	}
	return waitForEvent(a.client, a.events)
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if a.client != nil {
			a.client.Close()
		}
		return a, tea.Quit

	case "ctrl+s":
		return a.doAction(uds.MethodWorkerStart, "start", uds.WorkerStartRequest{})
	case "ctrl+x":
		return a.doAction(uds.MethodWorkerStop, "stop", nil)
	case "ctrl+r":
		return a.doAction(uds.MethodWorkerRestart, "restart", uds.WorkerStartRequest{})
	case "ctrl+t":
		if a.worker.State == core.StateTaskRunning {
			return a.doAction(uds.MethodTaskStop, "task stop", nil)
		}
		return a.doAction(uds.MethodTaskRun, "task run", uds.TaskRunRequest{})

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		if !a.ready {
			return a, nil
		}
		var cmd tea.Cmd
		a.logs, cmd = a.logs.Update(msg)
		return a, cmd

	case "enter":
		line := strings.TrimSpace(a.input.Value())
		if line == "" {
			return a, nil
		}
		a.input.SetValue("")
		return a.doAction(uds.MethodSendInput, "sent: "+line, uds.SendInputRequest{Line: line})
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a App) doAction(method, label string, data any) (tea.Model, tea.Cmd) {
	if a.client == nil {
		a.statusMsg = "not connected"
		return a, nil
	}
	a.statusMsg = label + "..."
	return a, actionCmd(a.client, method, label+" ✓", data)
}

// refreshLogs re-renders the viewport content, optionally keeping it pinned to
// the newest entry.
func (a *App) refreshLogs(follow bool) {
	if !a.ready {
		return
	}
	a.logs.SetContent(renderEntries(a.entries, a.logs.Width))
	if follow {
		a.logs.GotoBottom()
	}
}

func trimEntries(entries []core.LogEntry) []core.LogEntry {
	if len(entries) > maxEntries {
		return entries[len(entries)-maxEntries:]
	}
	return entries
}
