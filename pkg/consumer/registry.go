package consumer

import (
	"context"
	"fmt"

	"github.com/tidewater-io/changeflow/pkg/eventlog"
)

// Handler processes a single log record. Implementations must tolerate being
// invoked more than once for the same record.
type Handler interface {
	Handle(ctx context.Context, rec eventlog.Record) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rec eventlog.Record) error

func (f HandlerFunc) Handle(ctx context.Context, rec eventlog.Record) error {
	return f(ctx, rec)
}

// Registry is a closed topic->handler table populated at startup. Lookups
// are by key; there is no runtime inference of handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a topic. Registering a topic twice is a
// configuration error.
func (r *Registry) Register(topic string, h Handler) error {
	if topic == "" {
		return fmt.Errorf("registry: empty topic")
	}
	if h == nil {
		return fmt.Errorf("registry: nil handler for topic %s", topic)
	}
	if _, exists := r.handlers[topic]; exists {
		return fmt.Errorf("registry: handler already registered for topic %s", topic)
	}
	r.handlers[topic] = h
	return nil
}

// Lookup returns the handler bound to a topic.
func (r *Registry) Lookup(topic string) (Handler, bool) {
	h, ok := r.handlers[topic]
	return h, ok
}
