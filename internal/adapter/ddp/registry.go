package ddp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"anyrun/internal/domain"
)

// Registry correlates request ids with pending waiters. The dispatch loop and
// request issuers mutate it concurrently; a single mutex serializes them.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Waiter
	closed  error // set by AbandonAll; rejects later registrations
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pending: make(map[string]*Waiter),
		logger:  logger,
	}
}

// Register adds a waiter under id. A duplicate id is a programming error and
// is reported as domain.ErrDuplicateID. After AbandonAll every registration
// fails with the abandonment cause.
func (r *Registry) Register(id string, kind WaiterKind) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return nil, r.closed
	}
	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("%w: %q", domain.ErrDuplicateID, id)
	}
	w := newWaiter(id, kind)
	r.pending[id] = w
	return w, nil
}

// Resolve completes the method waiter registered under id with payload.
// Unknown ids are logged and ignored.
func (r *Registry) Resolve(id string, payload json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.pending[id]
	if !ok {
		r.logger.Debug("result for unknown request", "id", id)
		return false
	}
	if w.kind.mode != modeMethod {
		// Login acknowledges with a result as well as the user record; only
		// the record completes it.
		r.logger.Debug("ignoring result for non-method waiter", "id", id, "mode", w.kind.mode.String())
		return false
	}
	r.finishLocked(w, Outcome{Result: payload})
	return true
}

// Reject fails the waiter registered under id. Unknown ids are logged and
// ignored.
func (r *Registry) Reject(id string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.pending[id]
	if !ok {
		r.logger.Debug("error for unknown request", "id", id, "error", err)
		return false
	}
	r.finishLocked(w, Outcome{Err: err})
	return true
}

// AppendToSubscription delivers record to every pending waiter bound to
// collection. Subscription waiters append it; first-record waiters resolve
// with it. Returns the number of waiters that received the record.
func (r *Registry) AppendToSubscription(collection string, record json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, w := range r.pending {
		if w.kind.collection != collection {
			continue
		}
		switch w.kind.mode {
		case modeSubscription:
			w.records = append(w.records, record)
			delivered++
		case modeFirstRecord:
			r.finishLocked(w, Outcome{Result: record})
			delivered++
		}
	}
	if delivered == 0 {
		r.logger.Debug("added record matched no pending subscription", "collection", collection)
	}
	return delivered
}

// MarkReady resolves the subscription waiter registered under id with the
// records accumulated so far (an empty, non-nil list if none arrived).
func (r *Registry) MarkReady(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.pending[id]
	if !ok {
		r.logger.Debug("ready for unknown subscription", "id", id)
		return false
	}
	if w.kind.mode != modeSubscription {
		r.logger.Warn("ready for non-subscription request", "id", id, "mode", w.kind.mode.String())
		return false
	}
	records := w.records
	if records == nil {
		records = []json.RawMessage{}
	}
	r.finishLocked(w, Outcome{Records: records})
	return true
}

// Remove drops the waiter registered under id without resolving it. It
// returns false when the waiter already completed, in which case its outcome
// is waiting on Done.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// AbandonAll rejects every pending waiter with err and closes the registry
// to new registrations. Only the first call has any effect.
func (r *Registry) AbandonAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		return 0
	}
	r.closed = err
	n := len(r.pending)
	for _, w := range r.pending {
		r.finishLocked(w, Outcome{Err: err})
	}
	if n > 0 {
		r.logger.Warn("abandoned pending requests", "count", n, "error", err)
	}
	return n
}

// size returns the number of pending waiters.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Err returns the abandonment cause, or nil while the registry is open.
func (r *Registry) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// finishLocked removes w and delivers its outcome. r.mu must be held.
func (r *Registry) finishLocked(w *Waiter, out Outcome) {
	delete(r.pending, w.id)
	w.done <- out
}
