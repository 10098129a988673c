package vdisplay

import (
	"fmt"
	"sync"

	"github.com/openmirror/vdisplay/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type CompositionType int

const (
	CompositionUnknown CompositionType = iota
	CompositionGpu
	CompositionHwc
	CompositionMixed
)

func (self CompositionType) String() string {
	switch self {
	case CompositionGpu:
		return "gpu"
	case CompositionHwc:
		return "hwc"
	case CompositionMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

type DisplayConfig struct {
	DisplayId DisplayId
	Name      string
	OwnerUid  uint32
	GpuOnly   bool
}

type frameInfo struct {
	number          int64
	compositionType CompositionType
	mustRecompose   bool
	clientBuffer    *Buffer
	clientFence     *Fence
	outputBuffer    *Buffer
	outputFence     *Fence
}

// CompositionSurface drives one display refresh at a time through the render,
// output and sink queues. The compositor calls BeginFrame, PrepareFrame,
// AdvanceFrame and OnFrameCommitted in order from its loop; rendered frames
// arrive asynchronously through OnRenderFrameAvailable. A single lock covers
// the frame state and the queue handoffs from the callback.
type CompositionSurface struct {
	lock           sync.Mutex
	config         DisplayConfig
	hwc            HWComposer
	sinkHelper     *SinkHelper
	renderQueue    *BufferQueue
	renderConsumer BufferConsumer
	outputQueue    *BufferQueue
	outputProducer Surface
	outputConsumer BufferConsumer
	slots          *SlotTracker
	frame          *frameInfo
	frameSeq       *util.Sequence
	pendingResize  *Size
	width          uint32
	height         uint32
	dataSpace      DataSpace
	closed         bool
	ii             InstrumentInstance
}

func NewCompositionSurface(hwc HWComposer, config DisplayConfig, sink Surface, registry *ThreadRegistry, profile *Profile, instrument Instrument) (*CompositionSurface, error) {
	ii := instrument.NewInstance(config.Name)
	handle := registry.Acquire(config.OwnerUid)

	sinkHelper, err := NewSinkHelper(config.Name, sink, handle, profile.MaxDequeuedBuffers, ii)
	if err != nil {
		handle.Release()
		return nil, errors.Wrapf(err, "error creating sink helper for [%s]", config.Name)
	}

	data := sinkHelper.Data()
	width := data.Width
	height := data.Height
	format := data.Format
	dataSpace := data.DataSpace
	sinkUsage := data.Usage

	self := &CompositionSurface{
		config:     config,
		hwc:        hwc,
		sinkHelper: sinkHelper,
		frameSeq:   util.NewSequence(1),
		width:      width,
		height:     height,
		dataSpace:  dataSpace,
		ii:         ii,
	}

	renderUsage := UsageHwRender | sinkUsage
	if !config.GpuOnly {
		renderUsage |= UsageHwComposer
	}
	self.renderQueue = NewBufferQueue(config.Name+":render", width, height, format, dataSpace, renderUsage, ii)
	self.renderConsumer = self.renderQueue.Consumer()
	self.renderConsumer.SetFrameAvailableListener(self.OnRenderFrameAvailable)
	if err := self.renderQueue.Producer().SetMaxDequeuedBuffers(profile.RenderQueueDepth); err != nil {
		sinkHelper.Abandon()
		return nil, errors.Wrapf(err, "error setting render queue depth for [%s]", config.Name)
	}

	if !config.GpuOnly {
		self.outputQueue = NewBufferQueue(config.Name+":output", width, height, format, dataSpace, UsageHwComposer|sinkUsage, ii)
		self.outputProducer = self.outputQueue.Producer()
		self.outputConsumer = self.outputQueue.Consumer()
		if err := self.outputProducer.SetMaxDequeuedBuffers(profile.OutputQueueDepth); err != nil {
			sinkHelper.Abandon()
			return nil, errors.Wrapf(err, "error setting output queue depth for [%s]", config.Name)
		}
		if err := self.outputProducer.Connect(&stubSurfaceListener{}); err != nil {
			sinkHelper.Abandon()
			return nil, errors.Wrapf(err, "error connecting output queue for [%s]", config.Name)
		}
		self.slots = NewSlotTracker(profile.SlotCapacity, ii)
		hwc.SetClientTargetSlotCount(config.DisplayId, profile.SlotCapacity)
	}

	logrus.Infof("created composition surface [%s] %dx%d, gpuOnly [%t]", config.Name, width, height, config.GpuOnly)
	return self, nil
}

// GetCompositionSurface returns the producer endpoint the renderer draws
// into.
func (self *CompositionSurface) GetCompositionSurface() Surface {
	return self.renderQueue.Producer()
}

// BeginFrame starts a new frame, applying any deferred resize first. If the
// previous frame was never committed its buffers are recovered and
// ErrFrameOverwritten is returned; the new frame still begins.
func (self *CompositionSurface) BeginFrame(mustRecompose bool) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.closed {
		return errors.Wrapf(ErrAbandoned, "beginFrame [%s]", self.config.Name)
	}

	if self.pendingResize != nil {
		self.applyResizeLocked(*self.pendingResize)
		self.pendingResize = nil
	}

	var err error
	if self.frame != nil {
		logrus.Errorf("[%s] beginFrame with frame %d still live", self.config.Name, self.frame.number)
		self.recoverStaleFrameLocked()
		err = errors.Wrapf(ErrFrameOverwritten, "beginFrame [%s]", self.config.Name)
	}

	self.frame = &frameInfo{
		number:          self.frameSeq.Next(),
		compositionType: CompositionUnknown,
		mustRecompose:   mustRecompose,
	}
	self.ii.FrameBegun(self.frame.number)
	return err
}

// PrepareFrame records the composition type for the live frame. For GPU
// composition a pooled sink buffer is recycled into the render queue when one
// matches, letting the renderer draw straight into sink memory.
func (self *CompositionSurface) PrepareFrame(compositionType CompositionType) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.closed {
		return errors.Wrapf(ErrAbandoned, "prepareFrame [%s]", self.config.Name)
	}
	if self.frame == nil {
		logrus.Errorf("[%s] prepareFrame without beginFrame", self.config.Name)
		return errors.Wrapf(ErrInvalidOperation, "prepareFrame [%s]", self.config.Name)
	}
	if compositionType == CompositionUnknown {
		return errors.Wrapf(ErrBadValue, "prepareFrame [%s] unknown composition type", self.config.Name)
	}
	if compositionType != CompositionGpu && self.config.GpuOnly {
		logrus.Errorf("[%s] %s composition requested on gpu-only display", self.config.Name, compositionType)
		return errors.Wrapf(ErrBadValue, "prepareFrame [%s] %s on gpu-only display", self.config.Name, compositionType)
	}
	self.frame.compositionType = compositionType

	if compositionType == CompositionGpu {
		if buffer, fence, ok := self.sinkHelper.GetDequeuedBuffer(self.width, self.height, UsageHwRender); ok {
			if err := self.recycleToRenderLocked(buffer, fence); err != nil {
				logrus.Errorf("[%s] error recycling sink buffer into render queue (%v)", self.config.Name, err)
				self.sinkHelper.ReturnDequeuedBuffer(buffer, fence)
			}
		}
	}

	self.ii.FramePrepared(self.frame.number, compositionType)
	return nil
}

// AdvanceFrame hands the hardware compositor its output target and, for mixed
// composition, the client target. No-op for GPU composition.
func (self *CompositionSurface) AdvanceFrame(hdrSdrRatio float32) error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.closed {
		return errors.Wrapf(ErrAbandoned, "advanceFrame [%s]", self.config.Name)
	}
	if self.frame == nil {
		logrus.Errorf("[%s] advanceFrame without beginFrame", self.config.Name)
		return errors.Wrapf(ErrInvalidOperation, "advanceFrame [%s]", self.config.Name)
	}
	if self.frame.compositionType == CompositionGpu {
		return nil
	}
	if self.frame.compositionType == CompositionUnknown {
		return errors.Wrapf(ErrInvalidOperation, "advanceFrame [%s] before prepareFrame", self.config.Name)
	}

	buffer, fence, err := self.dequeueOutputLocked()
	if err != nil {
		logrus.Errorf("[%s] error dequeueing output buffer (%v)", self.config.Name, err)
		return err
	}

	if err := self.hwc.SetOutputBuffer(self.config.DisplayId, fence, buffer); err != nil {
		logrus.Errorf("[%s] error setting output buffer (%v)", self.config.Name, err)
		self.recoverOutputLocked(buffer, fence)
		return err
	}

	if self.frame.compositionType == CompositionMixed && self.frame.clientBuffer != nil {
		slot := self.slots.GetSlot(self.frame.clientBuffer.Id())
		var target *Buffer
		if slot.RequiresRefresh {
			target = self.frame.clientBuffer
		}
		if err := self.hwc.SetClientTarget(self.config.DisplayId, slot.Index, self.frame.clientFence, target, self.dataSpace, hdrSdrRatio); err != nil {
			logrus.Errorf("[%s] error setting client target (%v)", self.config.Name, err)
			self.recoverOutputLocked(buffer, fence)
			return err
		}
	}

	self.frame.outputBuffer = buffer
	self.frame.outputFence = fence
	self.ii.FrameAdvanced(self.frame.number)
	return nil
}

// OnRenderFrameAvailable runs whenever the renderer queues a frame. For GPU
// composition (or when no frame is live) the buffer goes straight to the
// sink; otherwise it is held as the client-composed buffer for AdvanceFrame.
func (self *CompositionSurface) OnRenderFrameAvailable() {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.closed {
		return
	}

	item, err := self.renderConsumer.AcquireBuffer()
	if err != nil {
		logrus.Errorf("[%s] error acquiring rendered buffer (%v)", self.config.Name, err)
		return
	}
	if err := self.renderConsumer.DetachBuffer(item.Buffer); err != nil {
		logrus.Errorf("[%s] error detaching rendered buffer (%v)", self.config.Name, err)
		return
	}

	if self.frame != nil && self.frame.compositionType != CompositionGpu && self.frame.compositionType != CompositionUnknown {
		if self.frame.clientBuffer != nil {
			// renderer outpaced the frame loop; recycle the superseded buffer
			if err := self.recycleToRenderLocked(self.frame.clientBuffer, self.frame.clientFence); err != nil {
				logrus.Errorf("[%s] error recycling superseded client buffer (%v)", self.config.Name, err)
				self.frame.clientBuffer.Unref()
			}
		}
		self.frame.clientBuffer = item.Buffer
		self.frame.clientFence = item.Fence
		return
	}

	if self.sinkHelper.IsFrozen() {
		// don't pile frames onto a stuck sink; give the buffer back,
		// preferring the sink pool so it keeps its headroom
		logrus.Warnf("[%s] sink frozen, skipping frame delivery", self.config.Name)
		if self.sinkHelper.ReturnDequeuedBuffer(item.Buffer, item.Fence) {
			return
		}
		if err := self.recycleToRenderLocked(item.Buffer, item.Fence); err != nil {
			logrus.Errorf("[%s] error recycling skipped buffer (%v)", self.config.Name, err)
			item.Buffer.Unref()
		}
		return
	}
	self.sinkHelper.SendBuffer(item.Buffer, item.Fence)
}

// OnFrameCommitted finishes the live frame. For hardware and mixed
// composition the output buffer picks up the present fence, round-trips the
// output queue and moves to the sink. The frame is consumed even on error.
func (self *CompositionSurface) OnFrameCommitted() error {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.closed {
		return errors.Wrapf(ErrAbandoned, "onFrameCommitted [%s]", self.config.Name)
	}
	if self.frame == nil {
		logrus.Warnf("[%s] onFrameCommitted without live frame", self.config.Name)
		return nil
	}
	frame := self.frame
	self.frame = nil

	if frame.compositionType == CompositionGpu || frame.compositionType == CompositionUnknown {
		self.ii.FrameCommitted(frame.number)
		return nil
	}

	presentFence := self.hwc.GetPresentFence(self.config.DisplayId)

	if frame.compositionType == CompositionMixed && frame.clientBuffer != nil {
		recycleFence := MergeFences("clientRecycle", frame.clientFence, presentFence)
		if err := self.recycleToRenderLocked(frame.clientBuffer, recycleFence); err != nil {
			logrus.Errorf("[%s] error recycling client buffer (%v)", self.config.Name, err)
			frame.clientBuffer.Unref()
		}
	}

	if frame.outputBuffer == nil {
		logrus.Warnf("[%s] frame %d committed without output buffer", self.config.Name, frame.number)
		return nil
	}

	outFence := MergeFences("present", frame.outputFence, presentFence)

	if self.sinkHelper.IsFrozen() {
		logrus.Warnf("[%s] sink frozen, recovering output buffer for frame %d", self.config.Name, frame.number)
		self.recoverOutputLocked(frame.outputBuffer, outFence)
		self.ii.FrameCommitted(frame.number)
		return nil
	}

	// round-trip the output queue so the buffer carries its fence state
	// through the queue accounting before heading to the sink
	if err := self.outputProducer.AttachBuffer(frame.outputBuffer); err != nil {
		logrus.Errorf("[%s] error attaching output buffer (%v)", self.config.Name, err)
		return err
	}
	if _, err := self.outputProducer.QueueBuffer(frame.outputBuffer, outFence); err != nil {
		logrus.Errorf("[%s] error queueing output buffer (%v)", self.config.Name, err)
		return err
	}
	item, err := self.outputConsumer.AcquireBuffer()
	if err != nil {
		logrus.Errorf("[%s] error re-acquiring output buffer (%v)", self.config.Name, err)
		return err
	}
	if err := self.outputConsumer.DetachBuffer(item.Buffer); err != nil {
		logrus.Errorf("[%s] error detaching output buffer (%v)", self.config.Name, err)
		return err
	}

	self.sinkHelper.SendBuffer(item.Buffer, item.Fence)
	self.ii.FrameCommitted(frame.number)
	return nil
}

// ResizeBuffers changes the display geometry. Deferred while a frame is live;
// the resize then lands at the next BeginFrame.
func (self *CompositionSurface) ResizeBuffers(size Size) error {
	if size.Width < 1 || size.Height < 1 {
		return errors.Wrapf(ErrBadValue, "resizeBuffers [%s] %dx%d", self.config.Name, size.Width, size.Height)
	}
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.closed {
		return errors.Wrapf(ErrAbandoned, "resizeBuffers [%s]", self.config.Name)
	}
	if self.pendingResize == nil && uint32(size.Width) == self.width && uint32(size.Height) == self.height {
		return nil
	}
	if self.frame != nil {
		logrus.Infof("[%s] deferring resize to %dx%d, frame %d live", self.config.Name, size.Width, size.Height, self.frame.number)
		self.pendingResize = &size
		return nil
	}
	self.applyResizeLocked(size)
	return nil
}

// ClientTargetAcquireFence returns the acquire fence of the live frame's
// client-composed buffer, or a signaled fence when there is none.
func (self *CompositionSurface) ClientTargetAcquireFence() *Fence {
	self.lock.Lock()
	defer self.lock.Unlock()
	if self.frame != nil && self.frame.clientFence != nil {
		return self.frame.clientFence
	}
	return NoFence
}

func (self *CompositionSurface) IsFrozen() bool {
	return self.sinkHelper.IsFrozen()
}

// Abandon tears the surface down. Idempotent; every operation afterwards
// returns ErrAbandoned.
func (self *CompositionSurface) Abandon() {
	self.lock.Lock()
	if self.closed {
		self.lock.Unlock()
		return
	}
	self.closed = true
	if self.frame != nil {
		self.recoverStaleFrameLocked()
		self.frame = nil
	}
	self.lock.Unlock()

	self.renderConsumer.Abandon()
	if self.outputConsumer != nil {
		self.outputConsumer.Abandon()
	}
	self.sinkHelper.Abandon()
	self.ii.Shutdown()
	logrus.Infof("abandoned composition surface [%s]", self.config.Name)
}

func (self *CompositionSurface) Dump() string {
	self.lock.Lock()
	defer self.lock.Unlock()
	out := fmt.Sprintf("compositionSurface[%s] %dx%d, gpuOnly [%t], closed [%t]", self.config.Name, self.width, self.height, self.config.GpuOnly, self.closed)
	if self.frame != nil {
		out += fmt.Sprintf(", frame [%d/%s]", self.frame.number, self.frame.compositionType)
	}
	if self.pendingResize != nil {
		out += fmt.Sprintf(", pendingResize [%dx%d]", self.pendingResize.Width, self.pendingResize.Height)
	}
	out += "\n" + self.sinkHelper.Dump()
	return out
}

// dequeueOutputLocked finds an output target for the hardware compositor,
// preferring a pooled sink buffer so the compositor writes into sink memory
// directly.
func (self *CompositionSurface) dequeueOutputLocked() (*Buffer, *Fence, error) {
	if buffer, fence, ok := self.sinkHelper.GetDequeuedBuffer(self.width, self.height, UsageHwComposer); ok {
		return buffer, fence, nil
	}
	buffer, fence, err := self.outputProducer.DequeueBuffer()
	if err != nil {
		return nil, nil, err
	}
	if err := self.outputProducer.DetachBuffer(buffer); err != nil {
		return nil, nil, err
	}
	return buffer, fence, nil
}

// recoverOutputLocked returns an output buffer obtained by
// dequeueOutputLocked to wherever it came from. Pooled sink buffers go back
// to the pool; anything else is cancelled into the output queue.
func (self *CompositionSurface) recoverOutputLocked(buffer *Buffer, fence *Fence) {
	if self.sinkHelper.ReturnDequeuedBuffer(buffer, fence) {
		return
	}
	if err := self.outputProducer.AttachBuffer(buffer); err != nil {
		logrus.Errorf("[%s] error re-attaching output buffer (%v)", self.config.Name, err)
		buffer.Unref()
		return
	}
	if err := self.outputProducer.CancelBuffers([]BufferItem{{Buffer: buffer, Fence: fence}}); err != nil {
		logrus.Errorf("[%s] error cancelling output buffer (%v)", self.config.Name, err)
	}
}

// recycleToRenderLocked hands a buffer to the render queue's free list so the
// renderer can dequeue it again.
func (self *CompositionSurface) recycleToRenderLocked(buffer *Buffer, fence *Fence) error {
	if err := self.renderConsumer.AttachBuffer(buffer); err != nil {
		return err
	}
	return self.renderConsumer.ReleaseBuffer(buffer, fence)
}

func (self *CompositionSurface) recoverStaleFrameLocked() {
	frame := self.frame
	if frame.clientBuffer != nil {
		if err := self.recycleToRenderLocked(frame.clientBuffer, frame.clientFence); err != nil {
			logrus.Errorf("[%s] error recovering client buffer from frame %d (%v)", self.config.Name, frame.number, err)
			frame.clientBuffer.Unref()
		}
	}
	if frame.outputBuffer != nil {
		self.recoverOutputLocked(frame.outputBuffer, frame.outputFence)
	}
}

func (self *CompositionSurface) applyResizeLocked(size Size) {
	self.width = uint32(size.Width)
	self.height = uint32(size.Height)
	self.sinkHelper.SetBufferSize(size)
	if err := self.renderConsumer.SetDefaultBufferSize(self.width, self.height); err != nil {
		logrus.Errorf("[%s] error resizing render queue (%v)", self.config.Name, err)
	}
	if self.outputConsumer != nil {
		if err := self.outputConsumer.SetDefaultBufferSize(self.width, self.height); err != nil {
			logrus.Errorf("[%s] error resizing output queue (%v)", self.config.Name, err)
		}
	}
	logrus.Infof("[%s] resized to %dx%d", self.config.Name, size.Width, size.Height)
}
