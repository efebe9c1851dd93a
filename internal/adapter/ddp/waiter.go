package ddp

import "encoding/json"

type waiterMode int

const (
	// modeMethod resolves on the result frame carrying its id.
	modeMethod waiterMode = iota
	// modeSubscription accumulates added records until its id is ready.
	modeSubscription
	// modeFirstRecord is a method call whose answer is the first added record
	// of its collection (login reports the user document this way).
	modeFirstRecord
)

func (m waiterMode) String() string {
	switch m {
	case modeMethod:
		return "method"
	case modeSubscription:
		return "subscription"
	case modeFirstRecord:
		return "first-record"
	default:
		return "unknown"
	}
}

// WaiterKind describes what a registered request waits for.
type WaiterKind struct {
	mode       waiterMode
	collection string
}

// MethodWaiter waits for a single result frame.
func MethodWaiter() WaiterKind {
	return WaiterKind{mode: modeMethod}
}

// SubscriptionWaiter collects records added to collection until ready.
func SubscriptionWaiter(collection string) WaiterKind {
	return WaiterKind{mode: modeSubscription, collection: collection}
}

// FirstRecordWaiter resolves with the first record added to collection.
func FirstRecordWaiter(collection string) WaiterKind {
	return WaiterKind{mode: modeFirstRecord, collection: collection}
}

// Outcome is the terminal state of a waiter.
type Outcome struct {
	Result  json.RawMessage   // method result or the first record
	Records []json.RawMessage // subscription records in arrival order
	Err     error
}

// Waiter is the handle returned by Registry.Register. It is resolved
// exactly once and never reused.
type Waiter struct {
	id      string
	kind    WaiterKind
	records []json.RawMessage
	done    chan Outcome // buffered; written once under the registry lock
}

func newWaiter(id string, kind WaiterKind) *Waiter {
	return &Waiter{id: id, kind: kind, done: make(chan Outcome, 1)}
}

// ID returns the request id the waiter is registered under.
func (w *Waiter) ID() string { return w.id }

// Done delivers the waiter's outcome.
func (w *Waiter) Done() <-chan Outcome { return w.done }
