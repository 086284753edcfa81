package emit

// NullEmitter discards every event.
//
// Useful as a default when observability is not wired, and in benchmarks
// where emission overhead would skew measurements.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops all events.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter by doing nothing.
func (n *NullEmitter) Emit(_ Event) {}
