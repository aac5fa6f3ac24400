package progress

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher delivers events to subscribers synchronously, per kind, in
// registration order. Subscriptions are append-only. A panicking handler is
// logged and does not prevent delivery to the handlers after it.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	emitter  Emitter
	logger   *zap.Logger
}

// NewDispatcher builds a Dispatcher. The emitter may be nil; when set, every
// dispatched event is also forwarded to it after the handlers ran.
func NewDispatcher(emitter Emitter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[Kind][]Handler),
		emitter:  emitter,
		logger:   logger,
	}
}

// Subscribe appends h to the handlers for kind.
func (d *Dispatcher) Subscribe(kind Kind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown event kind %q", kind)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], h)
	return nil
}

// Dispatch invokes the handlers registered for evt.Kind. The handler list is
// snapshotted first so handlers may subscribe or dispatch re-entrantly.
func (d *Dispatcher) Dispatch(evt Event) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[evt.Kind]...)
	d.mu.RUnlock()

	for i, h := range handlers {
		d.invoke(i, h, evt)
	}
	if d.emitter != nil {
		d.emitter.Emit(evt)
	}
}

func (d *Dispatcher) invoke(index int, h Handler, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("event handler panicked",
				zap.String("kind", string(evt.Kind)),
				zap.String("job_id", evt.JobID),
				zap.Int("handler", index),
				zap.Any("panic", rec),
			)
		}
	}()
	h(evt)
}
