// Package triggers holds the registry of user-supplied hooks invoked
// around saves and deletes. The registry is injected into the query and
// write paths rather than being process-global.
package triggers

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/logger"
)

// Event names a hook point.
type Event string

const (
	BeforeSave   Event = "beforeSave"
	AfterSave    Event = "afterSave"
	BeforeDelete Event = "beforeDelete"
	AfterDelete  Event = "afterDelete"
)

// Request is what a hook sees: the REST object in flight and, on
// updates and deletes, its pre-image.
type Request struct {
	ClassName string
	Master    bool
	User      map[string]any
	Object    map[string]any
	Original  map[string]any
}

// Handler is a registered hook. A beforeSave handler may return a
// non-nil object to replace the outgoing data; returning an error
// vetoes the write. Return values of after handlers are ignored.
type Handler func(ctx context.Context, req *Request) (map[string]any, error)

// Registry maps (className, event) to at most one handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func key(className string, event Event) string {
	return className + "." + string(event)
}

// Register installs a handler, replacing any previous one for the same
// class and event.
func (r *Registry) Register(className string, event Event, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key(className, event)] = h
}

// Has reports whether a handler is registered. A nil registry has none.
func (r *Registry) Has(className string, event Event) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[key(className, event)]
	return ok
}

func (r *Registry) handler(className string, event Event) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key(className, event)]
	return h, ok
}

// RunBefore invokes a before hook synchronously. A handler error
// surfaces as ScriptFailed unless the handler chose its own code. The
// returned object is the handler's replacement data, nil when the
// handler left the object alone or no handler exists.
func (r *Registry) RunBefore(ctx context.Context, event Event, req *Request) (map[string]any, error) {
	h, ok := r.handler(req.ClassName, event)
	if !ok {
		return nil, nil
	}
	object, err := h(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.ScriptFailed, err)
	}
	return object, nil
}

// RunAfterAsync fires an after hook without waiting for it. Failures
// and panics are logged, never surfaced; the response to the client is
// already decided by the time this runs.
func (r *Registry) RunAfterAsync(ctx context.Context, event Event, req *Request, log logger.Logger) {
	h, ok := r.handler(req.ClassName, event)
	if !ok {
		return
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		var caught panics.Catcher
		caught.Try(func() {
			if _, err := h(ctx, req); err != nil {
				log.Error("after trigger failed",
					zap.String("class", req.ClassName),
					zap.String("event", string(event)),
					zap.Error(err))
			}
		})
		if recovered := caught.Recovered(); recovered != nil {
			log.Error("after trigger panicked",
				zap.String("class", req.ClassName),
				zap.String("event", string(event)),
				zap.String("panic", recovered.String()))
		}
	}()
}
