package relay

import (
	"sync"

	"phobos.org.uk/relay/internal/api"
)

// emitter delivers one response's events to a sink. After the terminal
// event it drops everything, so a response never has two.
type emitter struct {
	id   string
	sink api.Sink

	mu       sync.Mutex
	finished bool
	noticed  bool
}

func newEmitter(id string, sink api.Sink) *emitter {
	return &emitter{id: id, sink: sink}
}

func (e *emitter) chunk(text string) {
	if text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.sink.Emit(api.ChunkEvent(e.id, text))
}

func (e *emitter) notice(providerName, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished || e.noticed {
		return
	}
	e.noticed = true
	e.sink.Notice(api.AuthFallbackNotice{ResponseID: e.id, Provider: providerName, Message: message})
}

func (e *emitter) done() bool {
	return e.terminal(api.DoneEvent(e.id))
}

func (e *emitter) fail(message string) bool {
	return e.terminal(api.ErrorEvent(e.id, message))
}

func (e *emitter) terminal(ev api.StreamEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return false
	}
	e.finished = true
	e.sink.Emit(ev)
	return true
}
