package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter is the in-process fallback publisher for local and test runs.
// Handlers are dispatched synchronously in registration order; "*"
// subscribes to all events. A bounded history buffer supports replay in
// tests.
type Emitter struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	history    []Envelope
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	id      string
	handler func(Envelope)
}

// NewEmitter creates an emitter with a bounded history buffer.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		handlers:   make(map[string][]namedHandler),
		maxHistory: 1000,
		logger:     logger,
	}
}

// On registers a handler for the given event name ("*" for all). It returns
// the handler id for Off.
func (e *Emitter) On(eventName string, handler func(Envelope)) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := fmt.Sprintf("%s-%d", eventName, len(e.handlers[eventName]))
	e.handlers[eventName] = append(e.handlers[eventName], namedHandler{id: id, handler: handler})
	return id
}

// Off removes a handler by id.
func (e *Emitter) Off(eventName, handlerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handlers := e.handlers[eventName]
	for i, h := range handlers {
		if h.id == handlerID {
			e.handlers[eventName] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

func (e *Emitter) Publish(_ context.Context, eventName string, payload any) error {
	env := Envelope{
		ID:         uuid.New().String(),
		Name:       eventName,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	e.mu.Lock()
	if len(e.history) >= e.maxHistory {
		e.history = e.history[1:]
	}
	e.history = append(e.history, env)
	handlers := make([]namedHandler, 0, len(e.handlers[eventName])+len(e.handlers["*"]))
	handlers = append(handlers, e.handlers[eventName]...)
	handlers = append(handlers, e.handlers["*"]...)
	e.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panic", "event", eventName, "handler", nh.id, "panic", r)
				}
			}()
			nh.handler(env)
		}(h)
	}
	return nil
}

// Replay returns buffered events matching the name ("*" for all).
func (e *Emitter) Replay(eventName string) []Envelope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Envelope
	for _, env := range e.history {
		if eventName == "*" || env.Name == eventName {
			out = append(out, env)
		}
	}
	return out
}

func (e *Emitter) Close() error { return nil }
