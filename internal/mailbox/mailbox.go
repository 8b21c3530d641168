// Package mailbox provides the two hand-off primitives used between the
// perception, control and link loops: a newest-wins single slot and a
// one-shot flag. Neither ever blocks the sender.
package mailbox

// Latest is a single-slot channel where a new value replaces any value not
// yet taken. It is safe for one producer and one consumer.
type Latest[T any] struct {
	ch chan T
}

// NewLatest returns an empty slot.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ch: make(chan T, 1)}
}

// Put stores v, discarding any pending value. It reports whether a pending
// value was replaced.
func (l *Latest[T]) Put(v T) (replaced bool) {
	for {
		select {
		case l.ch <- v:
			return replaced
		default:
		}
		select {
		case <-l.ch:
			replaced = true
		default:
		}
	}
}

// TryTake returns the pending value, if any, without blocking.
func (l *Latest[T]) TryTake() (T, bool) {
	select {
	case v := <-l.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// C exposes the slot for use in a select. Receiving from it takes the value.
func (l *Latest[T]) C() <-chan T { return l.ch }

// Pending reports whether a value is waiting.
func (l *Latest[T]) Pending() bool { return len(l.ch) > 0 }

// Flag is a one-shot signal: Set raises it, Take lowers it and reports
// whether it was raised. Repeated Sets before a Take collapse into one.
type Flag struct {
	ch chan struct{}
}

// NewFlag returns a lowered flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{}, 1)}
}

// Set raises the flag.
func (f *Flag) Set() {
	select {
	case f.ch <- struct{}{}:
	default:
	}
}

// Take lowers the flag and reports whether it had been raised.
func (f *Flag) Take() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// C exposes the flag for use in a select. Receiving from it lowers the flag.
func (f *Flag) C() <-chan struct{} { return f.ch }
