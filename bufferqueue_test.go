package vdisplay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(name string) *BufferQueue {
	return NewBufferQueue(name, 640, 480, PixelFormatRGBA8888, DataSpaceSRGB, UsageHwRender, NilInstrumentInstance{})
}

func TestQueueRoundTrip(t *testing.T) {
	q := newTestQueue("roundtrip")
	producer := q.Producer()
	consumer := q.Consumer()

	require.Nil(t, producer.Connect(&stubSurfaceListener{}))

	buffer, fence, err := producer.DequeueBuffer()
	require.Nil(t, err)
	assert.True(t, fence.Signaled())

	_, err = producer.QueueBuffer(buffer, NoFence)
	require.Nil(t, err)

	item, err := consumer.AcquireBuffer()
	require.Nil(t, err)
	assert.Equal(t, buffer.Id(), item.Buffer.Id())

	require.Nil(t, consumer.ReleaseBuffer(item.Buffer, NoFence))

	// released buffer comes back on the next dequeue
	again, _, err := producer.DequeueBuffer()
	require.Nil(t, err)
	assert.Equal(t, buffer.Id(), again.Id())
}

func TestQueueRequiresConnect(t *testing.T) {
	q := newTestQueue("unconnected")
	_, _, err := q.Producer().DequeueBuffer()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestQueueMaxDequeued(t *testing.T) {
	q := newTestQueue("maxdequeued")
	producer := q.Producer()
	require.Nil(t, producer.Connect(&stubSurfaceListener{}))
	require.Nil(t, producer.SetMaxDequeuedBuffers(2))

	b1, _, err := producer.DequeueBuffer()
	require.Nil(t, err)
	_, _, err = producer.DequeueBuffer()
	require.Nil(t, err)

	_, _, err = producer.DequeueBuffer()
	assert.ErrorIs(t, err, ErrMaxDequeuedExceeded)

	require.Nil(t, producer.CancelBuffers([]BufferItem{{Buffer: b1, Fence: NoFence}}))
	_, _, err = producer.DequeueBuffer()
	assert.Nil(t, err)
}

func TestQueueAsyncReplace(t *testing.T) {
	q := newTestQueue("async")
	producer := q.Producer()
	consumer := q.Consumer()

	released := 0
	listener := &countingListener{onReleased: func() { released++ }}
	require.Nil(t, producer.Connect(listener))
	require.Nil(t, producer.SetAsyncMode(true))
	require.Nil(t, producer.SetMaxDequeuedBuffers(2))

	b1, _, err := producer.DequeueBuffer()
	require.Nil(t, err)
	b2, _, err := producer.DequeueBuffer()
	require.Nil(t, err)

	out, err := producer.QueueBuffer(b1, NoFence)
	require.Nil(t, err)
	assert.False(t, out.BufferReplaced)

	out, err = producer.QueueBuffer(b2, NoFence)
	require.Nil(t, err)
	assert.True(t, out.BufferReplaced)
	assert.Equal(t, 1, released)

	// only the newest frame remains acquirable
	item, err := consumer.AcquireBuffer()
	require.Nil(t, err)
	assert.Equal(t, b2.Id(), item.Buffer.Id())
	_, err = consumer.AcquireBuffer()
	assert.ErrorIs(t, err, ErrNoBuffer)
}

func TestQueueAttachDetach(t *testing.T) {
	source := newTestQueue("source")
	target := newTestQueue("target")

	sourceProducer := source.Producer()
	targetProducer := target.Producer()
	require.Nil(t, sourceProducer.Connect(&stubSurfaceListener{}))
	require.Nil(t, targetProducer.Connect(&stubSurfaceListener{}))

	buffer, _, err := sourceProducer.DequeueBuffer()
	require.Nil(t, err)
	require.Nil(t, sourceProducer.DetachBuffer(buffer))

	// detached buffers are gone from the source queue
	assert.ErrorIs(t, sourceProducer.DetachBuffer(buffer), ErrBadBufferState)

	require.Nil(t, targetProducer.AttachBuffer(buffer))
	_, err = targetProducer.QueueBuffer(buffer, NoFence)
	require.Nil(t, err)

	item, err := target.Consumer().AcquireBuffer()
	require.Nil(t, err)
	assert.Equal(t, buffer.Id(), item.Buffer.Id())
}

func TestQueueConsumerAttachRelease(t *testing.T) {
	q := newTestQueue("consumerattach")
	producer := q.Producer()
	consumer := q.Consumer()
	require.Nil(t, producer.Connect(&stubSurfaceListener{}))

	foreign, _, err := producer.DequeueBuffer()
	require.Nil(t, err)
	require.Nil(t, producer.DetachBuffer(foreign))

	require.Nil(t, consumer.AttachBuffer(foreign))
	require.Nil(t, consumer.ReleaseBuffer(foreign, NoFence))

	// released via the consumer, the buffer is dequeuable again
	buffer, _, err := producer.DequeueBuffer()
	require.Nil(t, err)
	assert.Equal(t, foreign.Id(), buffer.Id())
}

func TestQueueDropsStaleGeometry(t *testing.T) {
	q := newTestQueue("stale")
	producer := q.Producer()
	consumer := q.Consumer()
	require.Nil(t, producer.Connect(&stubSurfaceListener{}))

	buffer, _, err := producer.DequeueBuffer()
	require.Nil(t, err)
	assert.Equal(t, uint32(640), buffer.Width())
	require.Nil(t, producer.CancelBuffers([]BufferItem{{Buffer: buffer, Fence: NoFence}}))

	require.Nil(t, consumer.SetDefaultBufferSize(800, 600))

	resized, _, err := producer.DequeueBuffer()
	require.Nil(t, err)
	assert.Equal(t, uint32(800), resized.Width())
	assert.Equal(t, uint32(600), resized.Height())
}

func TestQueueAbandon(t *testing.T) {
	q := newTestQueue("abandon")
	producer := q.Producer()
	consumer := q.Consumer()
	require.Nil(t, producer.Connect(&stubSurfaceListener{}))

	consumer.Abandon()
	consumer.Abandon()

	_, _, err := producer.DequeueBuffer()
	assert.ErrorIs(t, err, ErrAbandoned)
	_, err = consumer.AcquireBuffer()
	assert.ErrorIs(t, err, ErrAbandoned)
}

type countingListener struct {
	onReleased func()
}

func (self *countingListener) OnBufferReleased() {
	if self.onReleased != nil {
		self.onReleased()
	}
}

func (self *countingListener) OnRemoteDied() {}
