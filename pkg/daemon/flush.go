package daemon

import "time"

// flushLoop periodically resolves pending parser text so quiet output still
// reaches the sink. It stops when the session's output pump finishes.
func (s *Supervisor) flushLoop(sess *session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.outDone:
			return
		case <-ticker.C:
			s.appendEntries(sess.parser.Flush())
		}
	}
}
