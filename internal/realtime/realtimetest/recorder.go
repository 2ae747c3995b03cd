// Package realtimetest provides a recording Sink for tests.
package realtimetest

import (
	"encoding/json"
	"sync"

	"github.com/civic-connect/realtime-core/internal/model"
)

// Recorder is a Sink that keeps every frame it receives. A Recorder with a
// positive Capacity rejects frames once that many are held.
type Recorder struct {
	Capacity int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// NewRecorder returns an unbounded recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send implements realtime.Sink.
func (r *Recorder) Send(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.Capacity > 0 && len(r.frames) >= r.Capacity {
		return false
	}
	r.frames = append(r.frames, append([]byte(nil), data...))
	return true
}

// Close implements realtime.Sink.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Events decodes every recorded frame.
func (r *Recorder) Events() []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Envelope, 0, len(r.frames))
	for _, f := range r.frames {
		var env model.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Names returns the names of the recorded events in order.
func (r *Recorder) Names() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Last decodes the data of the most recent event with the given name into v.
// It reports false if no such event was recorded.
func (r *Recorder) Last(name string, v any) bool {
	evs := r.Events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Name == name {
			return json.Unmarshal(evs[i].Data, v) == nil
		}
	}
	return false
}

// Reset drops recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}
