package vdisplay

// Size of a display surface, in pixels. Signed so that callers passing
// garbage can be rejected rather than silently wrapped.
type Size struct {
	Width  int32
	Height int32
}

// QueueBufferOutput reports the side effects of queueing a buffer.
// BufferReplaced means the consumer fell behind and the previously queued
// buffer was dropped back to the free list.
type QueueBufferOutput struct {
	BufferReplaced bool
}

// BufferItem is an acquired buffer together with its acquire fence.
type BufferItem struct {
	Buffer *Buffer
	Fence  *Fence
}

// SinkSurfaceData holds the buffer parameters negotiated with a sink surface
// at connect time.
type SinkSurfaceData struct {
	Width     uint32
	Height    uint32
	Format    PixelFormat
	DataSpace DataSpace
	Usage     uint64
}

// SurfaceListener receives producer-side notifications from a buffer queue.
type SurfaceListener interface {
	// OnBufferReleased fires when the consumer releases a buffer, making it
	// available for dequeue. Not necessarily invoked on any particular thread.
	OnBufferReleased()
	// OnRemoteDied fires when the consumer side has died.
	OnRemoteDied()
}

// Surface is the producer endpoint of a buffer queue. The sink surface handed
// to a virtual display satisfies this contract; so do the producer ends of
// the render and output queues.
type Surface interface {
	Connect(listener SurfaceListener) error
	Disconnect() error

	Name() string
	Width() uint32
	Height() uint32
	Format() PixelFormat
	DataSpace() DataSpace
	ConsumerUsage() uint64

	SetAsyncMode(async bool) error
	SetMaxDequeuedBuffers(count int) error
	SetBuffersDimensions(width, height uint32) error

	DequeueBuffer() (*Buffer, *Fence, error)
	QueueBuffer(buffer *Buffer, fence *Fence) (QueueBufferOutput, error)
	AttachBuffer(buffer *Buffer) error
	DetachBuffer(buffer *Buffer) error
	CancelBuffers(buffers []BufferItem) error
}

// BufferConsumer is the consumer endpoint of a buffer queue.
type BufferConsumer interface {
	AcquireBuffer() (BufferItem, error)
	ReleaseBuffer(buffer *Buffer, fence *Fence) error
	AttachBuffer(buffer *Buffer) error
	DetachBuffer(buffer *Buffer) error

	SetDefaultBufferSize(width, height uint32) error
	SetDefaultBufferFormat(format PixelFormat) error
	SetDefaultBufferDataSpace(dataSpace DataSpace) error
	SetFrameAvailableListener(listener func())
	SetName(name string)

	Abandon()
}

type stubSurfaceListener struct{}

func (self *stubSurfaceListener) OnBufferReleased() {}
func (self *stubSurfaceListener) OnRemoteDied()     {}
