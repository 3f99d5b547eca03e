package core

// ProcessState is the lifecycle state of the supervised worker.
type ProcessState string

const (
	StateNotRunning  ProcessState = "not-running"
	StateRunning     ProcessState = "running"
	StateTaskRunning ProcessState = "task-running"
	StateError       ProcessState = "error"
)

// Alive reports whether the state implies a live worker process.
func (s ProcessState) Alive() bool {
	return s == StateRunning || s == StateTaskRunning
}
