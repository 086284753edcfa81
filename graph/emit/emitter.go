// Package emit provides pluggable observability for run execution: a small
// Event record and an Emitter interface with log, null, and OpenTelemetry
// implementations.
package emit

// Emitter receives observability events from the engine, the secure store,
// and the tool sandbox.
//
// Implementations must be safe for concurrent use (many runs emit at once)
// and must never block or panic; a slow or failing backend should drop
// events rather than stall a run.
type Emitter interface {
	// Emit delivers one event. Errors are handled internally.
	Emit(event Event)
}

// Multi fans one event out to several emitters in order, so a run can log
// locally and export spans at the same time. Nil entries are skipped.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
