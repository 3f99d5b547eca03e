package daemon

import (
	"strings"
	"time"

	"github.com/modoterra/sractl/pkg/core"
)

// pumpOutput reads the worker's stdout until EOF. Its end marks the end of the
// session as far as logging and state are concerned.
func (s *Supervisor) pumpOutput(sess *session, marker string) {
	defer close(sess.outDone)

	err := readLines(sess.stdout, func(line string) {
		if marker != "" && line == marker {
			s.appendEntries(sess.parser.Flush())
			return
		}
		s.logger.Debug("worker output", "stream", "stdout", "line", line)
		s.appendEntries(sess.parser.ParseLine(line))

		switch {
		case strings.Contains(line, taskStartMarker):
			if s.setSessionState(sess, core.StateTaskRunning) {
				s.notify(core.StateTaskRunning)
			}
		case strings.Contains(line, taskDoneMarker):
			if s.setSessionState(sess, core.StateRunning) {
				s.notify(core.StateRunning)
			}
		}
	})
	if err != nil && !sess.stopping.Load() {
		s.record(core.SourceSupervisor, core.LevelError, "read worker output: "+err.Error())
	}

	s.appendEntries(sess.parser.Flush())

	s.mu.Lock()
	current := s.sess == sess
	if current {
		s.state = core.StateNotRunning
	}
	s.mu.Unlock()
	if !current {
		return
	}

	if !sess.stopping.Load() {
		s.retire(sess)
		s.logger.Warn("worker exited unexpectedly", "pid", sess.pid, "session", sess.id)
		s.record(core.SourceSupervisor, core.LevelWarn, "worker exited unexpectedly")
	}
	s.notify(core.StateNotRunning)
}

// retire reaps a session whose output ended on its own, releases its pipes and
// drops it so a later Stop has nothing to do. A worker that closed its output
// but lingers is killed after the grace window.
func (s *Supervisor) retire(sess *session) {
	select {
	case <-sess.exited:
	case <-time.After(stopGrace):
		if err := killGroup(sess.cmd.Process); err != nil {
			s.logger.Warn("kill worker", "pid", sess.pid, "err", err)
		}
		<-sess.exited
	}
	sess.release()

	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
}

// pumpError reads the worker's stderr until EOF.
func (s *Supervisor) pumpError(sess *session) {
	err := readLines(sess.stderr, func(line string) {
		s.logger.Debug("worker output", "stream", "stderr", "line", line)
		s.appendEntries(sess.parser.ParseLine(line))
	})
	if err != nil && !sess.stopping.Load() {
		s.record(core.SourceSupervisor, core.LevelError, "read worker errors: "+err.Error())
	}
}
