// Package api defines the event contract shared by the relay core, its
// sinks and the HTTP surface.
package api

import (
	"sync"
	"time"
)

// EventAuthFallback names the SSE event that carries an AuthFallbackNotice.
const EventAuthFallback = "auth-fallback"

// StreamEvent is one increment of a streamed response. A response ends with
// exactly one terminal event: Done set on success, or Error set on failure.
type StreamEvent struct {
	ResponseID string  `json:"responseId"`
	Chunk      string  `json:"chunk"`
	Done       bool    `json:"done"`
	Error      *string `json:"error"`
}

// IsTerminal reports whether no further events follow this one.
func (e StreamEvent) IsTerminal() bool {
	return e.Done || e.Error != nil
}

// ChunkEvent builds a non-terminal text event.
func ChunkEvent(responseID, text string) StreamEvent {
	return StreamEvent{ResponseID: responseID, Chunk: text}
}

// DoneEvent builds the success terminal event.
func DoneEvent(responseID string) StreamEvent {
	return StreamEvent{ResponseID: responseID, Done: true}
}

// ErrorEvent builds the failure terminal event.
func ErrorEvent(responseID, message string) StreamEvent {
	return StreamEvent{ResponseID: responseID, Error: &message}
}

// AuthFallbackNotice tells the caller that the local login was rejected and
// the invocation is being retried with the configured API key.
type AuthFallbackNotice struct {
	ResponseID string `json:"responseId"`
	Provider   string `json:"provider"`
	Message    string `json:"message"`
}

// Sink receives the events of one or more responses.
// Implementations must be safe for concurrent use.
type Sink interface {
	Emit(StreamEvent)
	Notice(AuthFallbackNotice)
}

// Message is a single item delivered through a ChanSink. Exactly one of
// Event and Notice is set.
type Message struct {
	Event  *StreamEvent
	Notice *AuthFallbackNotice
}

// ChanSink forwards events and notices, in order, to a channel.
type ChanSink struct {
	C chan Message
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Message, buffer)}
}

// Emit implements Sink.
func (s *ChanSink) Emit(ev StreamEvent) {
	s.C <- Message{Event: &ev}
}

// Notice implements Sink.
func (s *ChanSink) Notice(n AuthFallbackNotice) {
	s.C <- Message{Notice: &n}
}

// Recorder is a Sink that keeps everything it receives and signals when a
// terminal event arrives.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	done     chan struct{}
	once     sync.Once
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{done: make(chan struct{})}
}

// Emit implements Sink.
func (r *Recorder) Emit(ev StreamEvent) {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Event: &ev})
	r.mu.Unlock()
	if ev.IsTerminal() {
		r.once.Do(func() { close(r.done) })
	}
}

// Notice implements Sink.
func (r *Recorder) Notice(n AuthFallbackNotice) {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Notice: &n})
	r.mu.Unlock()
}

// Messages returns a copy of everything received, in arrival order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Events returns the stream events received, in order.
func (r *Recorder) Events() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StreamEvent
	for _, m := range r.messages {
		if m.Event != nil {
			out = append(out, *m.Event)
		}
	}
	return out
}

// Notices returns the fallback notices received, in order.
func (r *Recorder) Notices() []AuthFallbackNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AuthFallbackNotice
	for _, m := range r.messages {
		if m.Notice != nil {
			out = append(out, *m.Notice)
		}
	}
	return out
}

// Text concatenates the chunks received so far.
func (r *Recorder) Text() string {
	var s string
	for _, ev := range r.Events() {
		s += ev.Chunk
	}
	return s
}

// Wait blocks until a terminal event arrives or the timeout elapses, and
// returns that event.
func (r *Recorder) Wait(timeout time.Duration) (StreamEvent, bool) {
	select {
	case <-r.done:
	case <-time.After(timeout):
		return StreamEvent{}, false
	}
	events := r.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].IsTerminal() {
			return events[i], true
		}
	}
	return StreamEvent{}, false
}
