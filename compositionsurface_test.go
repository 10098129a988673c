package vdisplay

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHWC struct {
	outputBuffers    int64
	clientTargets    int64
	clientTransfers  int64
	presentFences    int64
	slotCount        uint32
	failNextOutput   int32
	maxSlotIndexSeen uint32
}

func (self *recordingHWC) SetOutputBuffer(_ DisplayId, _ *Fence, _ *Buffer) error {
	if atomic.CompareAndSwapInt32(&self.failNextOutput, 1, 0) {
		return errors.New("injected output failure")
	}
	atomic.AddInt64(&self.outputBuffers, 1)
	return nil
}

func (self *recordingHWC) SetClientTarget(_ DisplayId, slot uint32, _ *Fence, buffer *Buffer, _ DataSpace, _ float32) error {
	atomic.AddInt64(&self.clientTargets, 1)
	if buffer != nil {
		atomic.AddInt64(&self.clientTransfers, 1)
	}
	if slot > self.maxSlotIndexSeen {
		self.maxSlotIndexSeen = slot
	}
	return nil
}

func (self *recordingHWC) GetPresentFence(_ DisplayId) *Fence {
	atomic.AddInt64(&self.presentFences, 1)
	return NoFence
}

func (self *recordingHWC) SetClientTargetSlotCount(_ DisplayId, count uint32) {
	self.slotCount = count
}

type displayHarness struct {
	hwc       *recordingHWC
	registry  *ThreadRegistry
	sinkQueue *BufferQueue
	surface   *CompositionSurface
	renderer  Surface
	delivered int64
}

func newDisplayHarness(t *testing.T, gpuOnly bool) *displayHarness {
	return newDisplayHarnessWithProfile(t, gpuOnly, NewBaselineProfile())
}

func newDisplayHarnessWithProfile(t *testing.T, gpuOnly bool, p *Profile) *displayHarness {
	h := &displayHarness{
		hwc:       &recordingHWC{},
		registry:  NewThreadRegistry(p, NewNilInstrument()),
		sinkQueue: NewBufferQueue("sink", 640, 480, PixelFormatRGBA8888, DataSpaceSRGB, UsageHwRender|UsageHwComposer, NilInstrumentInstance{}),
	}

	consumer := h.sinkQueue.Consumer()
	consumer.SetFrameAvailableListener(func() {
		item, err := consumer.AcquireBuffer()
		if err != nil {
			t.Errorf("error acquiring sink buffer (%v)", err)
			return
		}
		if err := consumer.ReleaseBuffer(item.Buffer, NoFence); err != nil {
			t.Errorf("error releasing sink buffer (%v)", err)
			return
		}
		atomic.AddInt64(&h.delivered, 1)
	})

	config := DisplayConfig{DisplayId: 1, Name: "test", OwnerUid: 1000, GpuOnly: gpuOnly}
	surface, err := NewCompositionSurface(h.hwc, config, h.sinkQueue.Producer(), h.registry, p, NewNilInstrument())
	require.Nil(t, err)
	h.surface = surface

	h.renderer = surface.GetCompositionSurface()
	require.Nil(t, h.renderer.Connect(&stubSurfaceListener{}))
	return h
}

func (self *displayHarness) renderFrame(t *testing.T) {
	buffer, fence, err := self.renderer.DequeueBuffer()
	require.Nil(t, err)
	_, err = self.renderer.QueueBuffer(buffer, fence)
	require.Nil(t, err)
}

func (self *displayHarness) driveFrame(t *testing.T, compositionType CompositionType) {
	require.Nil(t, self.surface.BeginFrame(true))
	require.Nil(t, self.surface.PrepareFrame(compositionType))
	if compositionType != CompositionHwc {
		self.renderFrame(t)
	}
	require.Nil(t, self.surface.AdvanceFrame(1.0))
	require.Nil(t, self.surface.OnFrameCommitted())
}

func (self *displayHarness) waitDelivered(t *testing.T, want int64) {
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&self.delivered) == want
	}, 10*time.Second, time.Millisecond)
}

// freezeSinkWorker blocks the display's worker thread until the returned
// channel is closed, and waits for the surface to report itself frozen.
func (self *displayHarness) freezeSinkWorker(t *testing.T) chan struct{} {
	block := make(chan struct{})
	handle := self.registry.Acquire(1000)
	handle.Thread().SubmitWork(func() { <-block })
	handle.Release()
	assert.Eventually(t, func() bool {
		return self.surface.IsFrozen()
	}, 5*time.Second, time.Millisecond)
	return block
}

func TestGpuFramesBypassHWC(t *testing.T) {
	h := newDisplayHarness(t, true)
	defer h.surface.Abandon()

	for i := 0; i < 10; i++ {
		h.driveFrame(t, CompositionGpu)
	}
	h.waitDelivered(t, 10)

	assert.Equal(t, int64(0), atomic.LoadInt64(&h.hwc.outputBuffers))
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.hwc.clientTargets))
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.hwc.presentFences))
}

func TestGpuFrameConservation(t *testing.T) {
	h := newDisplayHarness(t, true)
	defer h.surface.Abandon()

	for i := 0; i < 100; i++ {
		h.driveFrame(t, CompositionGpu)
	}
	h.waitDelivered(t, 100)
}

func TestHwcFrameConservation(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	for i := 0; i < 100; i++ {
		h.driveFrame(t, CompositionHwc)
	}
	h.waitDelivered(t, 100)

	assert.Equal(t, int64(100), atomic.LoadInt64(&h.hwc.outputBuffers))
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.hwc.clientTargets))
}

func TestMixedFrameConservation(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	for i := 0; i < 100; i++ {
		h.driveFrame(t, CompositionMixed)
	}
	h.waitDelivered(t, 100)

	assert.Equal(t, int64(100), atomic.LoadInt64(&h.hwc.outputBuffers))
	assert.Equal(t, int64(100), atomic.LoadInt64(&h.hwc.clientTargets))
}

func TestMixedClientTargetUsesSlotCache(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	for i := 0; i < 20; i++ {
		h.driveFrame(t, CompositionMixed)
	}
	h.waitDelivered(t, 20)

	// the client buffer recycles through the render queue, so after the
	// first transfer the composer is handed only the slot reference
	assert.Equal(t, int64(20), atomic.LoadInt64(&h.hwc.clientTargets))
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.hwc.clientTransfers))
	assert.Less(t, h.hwc.maxSlotIndexSeen, h.hwc.slotCount)
}

func TestPrepareRequiresBegunFrame(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	assert.ErrorIs(t, h.surface.PrepareFrame(CompositionHwc), ErrInvalidOperation)
	assert.ErrorIs(t, h.surface.AdvanceFrame(1.0), ErrInvalidOperation)
}

func TestGpuOnlyRejectsHardwareComposition(t *testing.T) {
	h := newDisplayHarness(t, true)
	defer h.surface.Abandon()

	require.Nil(t, h.surface.BeginFrame(true))
	assert.ErrorIs(t, h.surface.PrepareFrame(CompositionHwc), ErrBadValue)
	assert.ErrorIs(t, h.surface.PrepareFrame(CompositionMixed), ErrBadValue)
	require.Nil(t, h.surface.PrepareFrame(CompositionGpu))
	require.Nil(t, h.surface.OnFrameCommitted())
}

func TestBeginFrameTwiceOverwrites(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	require.Nil(t, h.surface.BeginFrame(true))
	assert.ErrorIs(t, h.surface.BeginFrame(true), ErrFrameOverwritten)

	// the overwriting frame is live and usable
	require.Nil(t, h.surface.PrepareFrame(CompositionHwc))
	require.Nil(t, h.surface.AdvanceFrame(1.0))
	require.Nil(t, h.surface.OnFrameCommitted())
	h.waitDelivered(t, 1)
}

func TestCommitWithoutFrameIsNoop(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	assert.Nil(t, h.surface.OnFrameCommitted())
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.hwc.presentFences))
}

func TestRenderWithoutFrameGoesToSink(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	h.renderFrame(t)
	h.waitDelivered(t, 1)

	assert.Equal(t, int64(0), atomic.LoadInt64(&h.hwc.outputBuffers))
}

func TestDeferredResize(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	require.Nil(t, h.surface.BeginFrame(true))
	require.Nil(t, h.surface.ResizeBuffers(Size{Width: 800, Height: 600}))

	// old dimensions stay in effect for the live frame
	assert.Equal(t, uint32(640), h.renderer.Width())
	assert.Equal(t, uint32(480), h.renderer.Height())

	require.Nil(t, h.surface.PrepareFrame(CompositionHwc))
	require.Nil(t, h.surface.AdvanceFrame(1.0))
	require.Nil(t, h.surface.OnFrameCommitted())
	assert.Equal(t, uint32(640), h.renderer.Width())

	// the resize lands at the next beginFrame
	require.Nil(t, h.surface.BeginFrame(true))
	assert.Equal(t, uint32(800), h.renderer.Width())
	assert.Equal(t, uint32(600), h.renderer.Height())
	require.Nil(t, h.surface.OnFrameCommitted())

	assert.Eventually(t, func() bool {
		return h.sinkQueue.Producer().Width() == 800
	}, 5*time.Second, time.Millisecond)
}

func TestResizeRejectsBadDimensions(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	assert.ErrorIs(t, h.surface.ResizeBuffers(Size{Width: 0, Height: 600}), ErrBadValue)
	assert.ErrorIs(t, h.surface.ResizeBuffers(Size{Width: 800, Height: -1}), ErrBadValue)
}

func TestAdvanceFailureRecoversBuffer(t *testing.T) {
	h := newDisplayHarness(t, false)
	defer h.surface.Abandon()

	require.Nil(t, h.surface.BeginFrame(true))
	require.Nil(t, h.surface.PrepareFrame(CompositionHwc))
	atomic.StoreInt32(&h.hwc.failNextOutput, 1)
	assert.NotNil(t, h.surface.AdvanceFrame(1.0))
	require.Nil(t, h.surface.OnFrameCommitted())

	// the dequeued buffer was recovered; later frames proceed normally
	for i := 0; i < 10; i++ {
		h.driveFrame(t, CompositionHwc)
	}
	h.waitDelivered(t, 10)
}

func TestFrozenSinkSkipsHwcDelivery(t *testing.T) {
	p := NewBaselineProfile()
	p.FrozenThresholdMs = 25
	h := newDisplayHarnessWithProfile(t, false, p)
	defer h.surface.Abandon()

	block := h.freezeSinkWorker(t)

	// the frame completes but its output buffer is recovered, not delivered
	require.Nil(t, h.surface.BeginFrame(true))
	require.Nil(t, h.surface.PrepareFrame(CompositionHwc))
	require.Nil(t, h.surface.AdvanceFrame(1.0))
	require.Nil(t, h.surface.OnFrameCommitted())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.delivered))

	close(block)
	assert.Eventually(t, func() bool {
		return !h.surface.IsFrozen()
	}, 5*time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		h.driveFrame(t, CompositionHwc)
	}
	h.waitDelivered(t, 5)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(5), atomic.LoadInt64(&h.delivered))
	assert.Equal(t, int64(6), atomic.LoadInt64(&h.hwc.outputBuffers))
}

func TestFrozenSinkReturnsGpuBufferToPool(t *testing.T) {
	p := NewBaselineProfile()
	p.FrozenThresholdMs = 25
	h := newDisplayHarnessWithProfile(t, true, p)
	defer h.surface.Abandon()

	// wait for the helper's pool to fill before freezing the worker
	assert.Eventually(t, func() bool {
		buffer, fence, ok := h.surface.sinkHelper.GetDequeuedBuffer(640, 480, UsageHwRender)
		if ok {
			h.surface.sinkHelper.ReturnDequeuedBuffer(buffer, fence)
		}
		return ok
	}, 5*time.Second, time.Millisecond)

	require.Nil(t, h.surface.BeginFrame(true))
	require.Nil(t, h.surface.PrepareFrame(CompositionGpu))

	block := h.freezeSinkWorker(t)
	defer close(block)

	// the renderer draws into the recycled sink buffer; on a frozen sink it
	// goes back to the pool instead of being queued
	buffer, fence, err := h.renderer.DequeueBuffer()
	require.Nil(t, err)
	_, err = h.renderer.QueueBuffer(buffer, fence)
	require.Nil(t, err)
	require.Nil(t, h.surface.OnFrameCommitted())

	assert.Equal(t, int64(0), atomic.LoadInt64(&h.delivered))
	pooled, _, ok := h.surface.sinkHelper.GetDequeuedBuffer(640, 480, UsageHwRender)
	require.True(t, ok)
	assert.Equal(t, buffer.Id(), pooled.Id())
}

func TestFrozenSinkRecyclesStrayRender(t *testing.T) {
	p := NewBaselineProfile()
	p.FrozenThresholdMs = 25
	h := newDisplayHarnessWithProfile(t, true, p)
	defer h.surface.Abandon()

	block := h.freezeSinkWorker(t)

	// no frame is live and the buffer is not pooled, so the skip recycles
	// it into the render queue free list
	buffer, fence, err := h.renderer.DequeueBuffer()
	require.Nil(t, err)
	_, err = h.renderer.QueueBuffer(buffer, fence)
	require.Nil(t, err)

	assert.Equal(t, int64(0), atomic.LoadInt64(&h.delivered))
	again, _, err := h.renderer.DequeueBuffer()
	require.Nil(t, err)
	assert.Equal(t, buffer.Id(), again.Id())

	close(block)
	assert.Eventually(t, func() bool {
		return !h.surface.IsFrozen()
	}, 5*time.Second, time.Millisecond)
	_, err = h.renderer.QueueBuffer(again, NoFence)
	require.Nil(t, err)
	h.waitDelivered(t, 1)
}

func TestAbandonIdempotent(t *testing.T) {
	h := newDisplayHarness(t, false)

	h.surface.Abandon()
	h.surface.Abandon()

	assert.ErrorIs(t, h.surface.BeginFrame(true), ErrAbandoned)
	assert.ErrorIs(t, h.surface.AdvanceFrame(1.0), ErrAbandoned)
	assert.ErrorIs(t, h.surface.ResizeBuffers(Size{Width: 800, Height: 600}), ErrAbandoned)
}
