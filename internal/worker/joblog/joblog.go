// Package joblog carries the job identity and log sink through a build run.
// The original design reached the job id through an ambient logging global;
// here both travel together in one explicit value.
package joblog

import (
	"bytes"
	"io"
	"sync"
)

// JobLog is the per-job log context: the job id plus a line-oriented sink.
// It keeps the full transcript for archival and fans writes out to any
// attached sinks (log hub, stdout tee in tests).
type JobLog struct {
	jobID string

	mu    sync.Mutex
	buf   bytes.Buffer
	sinks []io.Writer
}

// New creates a job log for the given job id. Extra sinks receive every
// write in addition to the internal transcript buffer.
func New(jobID string, sinks ...io.Writer) *JobLog {
	return &JobLog{jobID: jobID, sinks: sinks}
}

// JobID returns the unique id of the job this log belongs to.
func (l *JobLog) JobID() string {
	return l.jobID
}

// Write implements io.Writer. Sink errors are ignored: a slow or dead
// subscriber must never fail the build.
func (l *JobLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for _, sink := range l.sinks {
		_, _ = sink.Write(p)
	}
	return len(p), nil
}

// Transcript returns a copy of everything written so far.
func (l *JobLog) Transcript() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]byte, l.buf.Len())
	copy(out, l.buf.Bytes())
	return out
}
