// Package emit delivers executor events to logs, traces or in-memory history.
package emit

// Emitter receives executor events. Implementations must be safe for
// concurrent use and must not block for long; Emit is called from the run's
// coordinator and worker goroutines.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans one event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter drops nil entries.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
