package vdisplay

type nilInstrument struct{}

func NewNilInstrument() Instrument {
	return &nilInstrument{}
}

func (self *nilInstrument) NewInstance(_ string) InstrumentInstance {
	return &NilInstrumentInstance{}
}

type NilInstrumentInstance struct{}

func (n NilInstrumentInstance) FrameBegun(number int64) {}

func (n NilInstrumentInstance) FramePrepared(number int64, compositionType CompositionType) {}

func (n NilInstrumentInstance) FrameAdvanced(number int64) {}

func (n NilInstrumentInstance) FrameCommitted(number int64) {}

func (n NilInstrumentInstance) BufferQueuedToSink(bufferId uint64) {}

func (n NilInstrumentInstance) BufferDequeuedFromSink(bufferId uint64) {}

func (n NilInstrumentInstance) BufferAttached(bufferId uint64) {}

func (n NilInstrumentInstance) BuffersCancelled(count int) {}

func (n NilInstrumentInstance) SlotHit(slot uint32) {}

func (n NilInstrumentInstance) SlotMiss(slot uint32) {}

func (n NilInstrumentInstance) SlotEvicted(slot uint32) {}

func (n NilInstrumentInstance) TaskSubmitted() {}

func (n NilInstrumentInstance) TaskDropped() {}

func (n NilInstrumentInstance) WorkerFrozen() {}

func (n NilInstrumentInstance) Allocate(id string) {}

func (n NilInstrumentInstance) Shutdown() {}
