package vdisplay

import "github.com/pkg/errors"

// Instrument creates per-display (or per-thread) instances receiving pipeline
// events.
type Instrument interface {
	NewInstance(id string) InstrumentInstance
}

// InstrumentInstance receives events from one instrumented component. All
// methods must be cheap and non-blocking; they can fire on the composition
// path.
type InstrumentInstance interface {
	// frame lifecycle
	FrameBegun(number int64)
	FramePrepared(number int64, compositionType CompositionType)
	FrameAdvanced(number int64)
	FrameCommitted(number int64)

	// sink traffic
	BufferQueuedToSink(bufferId uint64)
	BufferDequeuedFromSink(bufferId uint64)
	BufferAttached(bufferId uint64)
	BuffersCancelled(count int)

	// slot tracker
	SlotHit(slot uint32)
	SlotMiss(slot uint32)
	SlotEvicted(slot uint32)

	// worker thread
	TaskSubmitted()
	TaskDropped()
	WorkerFrozen()

	// allocation
	Allocate(id string)

	// instrument lifecycle
	Shutdown()
}

func NewInstrument(name string, config map[string]interface{}) (Instrument, error) {
	switch name {
	case "metrics":
		return NewMetricsInstrument(config)
	case "nil":
		return NewNilInstrument(), nil
	default:
		return nil, errors.Errorf("unknown instrument '%s'", name)
	}
}
