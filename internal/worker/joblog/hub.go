package joblog

import (
	"io"
	"sync"
)

// Hub fans live log output out to in-process subscribers, keyed by job id.
// The WebSocket controller subscribes one channel per client connection.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a channel for one job's log output. The returned
// cancel function must be called when the subscriber goes away.
func (h *Hub) Subscribe(jobID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 64)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan []byte]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[jobID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers one chunk of log output to every subscriber of the job.
// Slow subscribers are skipped rather than blocking the build.
func (h *Hub) Publish(jobID string, p []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[jobID] {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Writer returns an io.Writer that publishes to the job's subscribers,
// suitable as a JobLog sink.
func (h *Hub) Writer(jobID string) io.Writer {
	return &hubWriter{hub: h, jobID: jobID}
}

type hubWriter struct {
	hub   *Hub
	jobID string
}

func (w *hubWriter) Write(p []byte) (int, error) {
	w.hub.Publish(w.jobID, p)
	return len(p), nil
}
