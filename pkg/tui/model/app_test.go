package model

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/sractl/pkg/core"
)

func sized(t *testing.T) App {
	t.Helper()
	m, _ := New("/tmp/sractl-test.sock").Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	a := m.(App)
	if !a.ready {
		t.Fatal("viewport not initialized after resize")
	}
	return a
}

func entry(level core.Level, text string) core.LogEntry {
	return core.LogEntry{
		Source:    core.SourceWorker,
		Level:     level,
		Text:      text,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.Local),
	}
}

func TestViewBeforeResize(t *testing.T) {
	if got := New("x").View(); got != "loading..." {
		t.Errorf("View() = %q", got)
	}
}

func TestEntryAppearsInConsole(t *testing.T) {
	a := sized(t)
	m, _ := a.Update(entryMsg(entry(core.LevelError, "task failed")))
	a = m.(App)

	view := a.View()
	for _, want := range []string{"03:04:05", "[ERR]", "task failed", "not-running"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestSnapshotReplacesEntries(t *testing.T) {
	a := sized(t)
	m, _ := a.Update(entryMsg(entry(core.LevelInfo, "stale")))
	a = m.(App)
	m, _ = a.Update(snapshotMsg{entries: []core.LogEntry{entry(core.LevelInfo, "fresh")}})
	a = m.(App)

	if len(a.entries) != 1 || a.entries[0].Text != "fresh" {
		t.Fatalf("entries = %+v", a.entries)
	}
}

func TestTrimEntries(t *testing.T) {
	var entries []core.LogEntry
	for i := 0; i < maxEntries+5; i++ {
		entries = append(entries, entry(core.LevelInfo, "x"))
	}
	entries[len(entries)-1].Text = "last"

	got := trimEntries(entries)
	if len(got) != maxEntries {
		t.Fatalf("len = %d, want %d", len(got), maxEntries)
	}
	if got[len(got)-1].Text != "last" {
		t.Error("newest entry dropped")
	}
}

func TestWorkerStateMsg(t *testing.T) {
	a := sized(t)
	m, _ := a.Update(workerStateMsg(core.StateTaskRunning))
	a = m.(App)
	if a.worker.State != core.StateTaskRunning {
		t.Errorf("state = %s", a.worker.State)
	}
	if !strings.Contains(a.View(), "task-running") {
		t.Error("status bar does not show the task state")
	}
}

func TestActionsRequireConnection(t *testing.T) {
	for _, key := range []tea.KeyType{tea.KeyCtrlS, tea.KeyCtrlX, tea.KeyCtrlR, tea.KeyCtrlT} {
		a := sized(t)
		m, cmd := a.Update(tea.KeyMsg{Type: key})
		a = m.(App)
		if a.statusMsg != "not connected" {
			t.Errorf("%v: statusMsg = %q", key, a.statusMsg)
		}
		if cmd != nil {
			t.Errorf("%v: unexpected command without a client", key)
		}
	}
}

func TestEnterClearsInput(t *testing.T) {
	a := sized(t)
	m, _ := a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("task run")})
	a = m.(App)
	if a.input.Value() != "task run" {
		t.Fatalf("input = %q", a.input.Value())
	}

	m, _ = a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	a = m.(App)
	if a.input.Value() != "" {
		t.Errorf("input not cleared: %q", a.input.Value())
	}
	if a.statusMsg != "not connected" {
		t.Errorf("statusMsg = %q", a.statusMsg)
	}

	// blank input is ignored
	m, _ = a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if m.(App).statusMsg != "not connected" {
		t.Error("blank enter changed status")
	}
}

func TestRenderEntriesIndentsContinuation(t *testing.T) {
	out := renderEntries([]core.LogEntry{entry(core.LevelError, "boom\nTraceback")}, 80)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if lines[1] != strings.Repeat(" ", 19)+"Traceback" {
		t.Errorf("continuation = %q", lines[1])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"开始执行任务列表", 5, "开始..."},
		{"abcdef", 2, "ab"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
