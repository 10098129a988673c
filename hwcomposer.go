package vdisplay

// DisplayId identifies a display on the hardware composer.
type DisplayId uint64

// HWComposer abstracts the hardware composer calls this pipeline issues. The
// real implementation schedules GPU/display hardware; tests and the simulator
// substitute recording fakes.
type HWComposer interface {
	// SetOutputBuffer hands the buffer hardware composition writes into.
	SetOutputBuffer(displayId DisplayId, fence *Fence, buffer *Buffer) error

	// SetClientTarget hands the client-composed (GPU) layer for mixed
	// composition. A nil buffer references a previously transferred buffer by
	// slot alone.
	SetClientTarget(displayId DisplayId, slot uint32, fence *Fence, buffer *Buffer, dataSpace DataSpace, hdrSdrRatio float32) error

	GetPresentFence(displayId DisplayId) *Fence

	// SetClientTargetSlotCount configures how many client-target slots the
	// hardware tracks. Must match the slot tracker capacity exactly.
	SetClientTargetSlotCount(displayId DisplayId, count uint32)
}
