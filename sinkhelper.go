package vdisplay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type pooledBuffer struct {
	buffer *Buffer
	fence  *Fence
	inUse  bool
}

// SinkHelper owns the producer connection to a display's sink surface. All
// sink calls that can stall (dequeue, queue, attach, resize) run as tasks on
// the display's worker thread so the composition path never blocks on a slow
// or dead sink. It also keeps a small pool of pre-dequeued sink buffers that
// the GPU path can render into directly.
type SinkHelper struct {
	name         string
	sink         Surface
	threadHandle *ThreadHandle
	maxDequeued  int
	data         SinkSurfaceData

	dataLock sync.Mutex
	pooled   []*pooledBuffer

	dead      int32
	abandoned int32

	ii InstrumentInstance
}

func NewSinkHelper(name string, sink Surface, threadHandle *ThreadHandle, maxDequeued int, ii InstrumentInstance) (*SinkHelper, error) {
	self := &SinkHelper{
		name:         name,
		sink:         sink,
		threadHandle: threadHandle,
		maxDequeued:  maxDequeued,
		ii:           ii,
	}
	if err := sink.Connect(self); err != nil {
		return nil, errors.Wrapf(err, "error connecting to sink [%s]", name)
	}
	if err := sink.SetAsyncMode(true); err != nil {
		return nil, errors.Wrapf(err, "error setting async mode on sink [%s]", name)
	}
	if err := sink.SetMaxDequeuedBuffers(maxDequeued); err != nil {
		return nil, errors.Wrapf(err, "error setting max dequeued buffers on sink [%s]", name)
	}
	self.data = SinkSurfaceData{
		Width:     sink.Width(),
		Height:    sink.Height(),
		Format:    sink.Format(),
		DataSpace: sink.DataSpace(),
		Usage:     sink.ConsumerUsage(),
	}
	self.threadHandle.Thread().SubmitWork(self.dequeueBufferTask)
	return self, nil
}

// Data returns the buffer parameters negotiated with the sink at connect
// time.
func (self *SinkHelper) Data() SinkSurfaceData {
	return self.data
}

// GetDequeuedBuffer hands out a pre-dequeued sink buffer matching the
// requested geometry and usage, if one is available. The buffer stays
// accounted to the pool until ReturnDequeuedBuffer or SendBuffer.
func (self *SinkHelper) GetDequeuedBuffer(width, height uint32, requiredUsage uint64) (*Buffer, *Fence, bool) {
	self.dataLock.Lock()
	defer self.dataLock.Unlock()
	for _, pb := range self.pooled {
		if pb.inUse {
			continue
		}
		if pb.buffer.Width() != width || pb.buffer.Height() != height {
			continue
		}
		if pb.buffer.Usage()&requiredUsage != requiredUsage {
			continue
		}
		pb.inUse = true
		fence := pb.fence
		pb.fence = NoFence
		return pb.buffer, fence, true
	}
	return nil, nil, false
}

// ReturnDequeuedBuffer puts a buffer from GetDequeuedBuffer back into the
// pool without queueing it. The caller's fence is merged with any pending
// release fence. Returns false when the buffer is not pooled, so callers can
// fall back to their own recovery path.
func (self *SinkHelper) ReturnDequeuedBuffer(buffer *Buffer, fence *Fence) bool {
	self.dataLock.Lock()
	defer self.dataLock.Unlock()
	for _, pb := range self.pooled {
		if pb.buffer.Id() == buffer.Id() {
			if !pb.inUse {
				logrus.Warnf("[%s] returned buffer %s was not in use", self.name, buffer)
			}
			pb.inUse = false
			pb.fence = MergeFences("return", pb.fence, fence)
			return true
		}
	}
	return false
}

// SendBuffer queues a composed buffer to the sink asynchronously. Pooled
// buffers queue directly; foreign buffers are attached first.
func (self *SinkHelper) SendBuffer(buffer *Buffer, fence *Fence) {
	self.threadHandle.Thread().SubmitWork(func() { self.sendBufferTask(buffer, fence) })
}

// SetBufferSize resizes the sink surface, cancelling any pooled buffers of
// the old geometry.
func (self *SinkHelper) SetBufferSize(size Size) {
	self.threadHandle.Thread().SubmitWork(func() { self.setBufferSizeTask(size) })
}

func (self *SinkHelper) Name() string {
	return self.name
}

func (self *SinkHelper) IsDead() bool {
	return atomic.LoadInt32(&self.dead) == 1
}

func (self *SinkHelper) IsFrozen() bool {
	return self.threadHandle.Thread().IsFrozen()
}

// Abandon disconnects from the sink and releases the worker thread handle.
// Safe to call more than once.
func (self *SinkHelper) Abandon() {
	if !atomic.CompareAndSwapInt32(&self.abandoned, 0, 1) {
		return
	}
	// release the thread handle only after the disconnect task has run, so a
	// last-reference Kill cannot clear it from the queue first
	self.threadHandle.Thread().SubmitWork(func() {
		self.abandonTask()
		self.threadHandle.Release()
	})
}

func (self *SinkHelper) Dump() string {
	self.dataLock.Lock()
	defer self.dataLock.Unlock()
	inUse := 0
	for _, pb := range self.pooled {
		if pb.inUse {
			inUse++
		}
	}
	return fmt.Sprintf("sinkHelper[%s] pooled [%d/%d], inUse [%d], dead [%t]", self.name, len(self.pooled), self.maxDequeued-1, inUse, self.IsDead())
}

// SurfaceListener

func (self *SinkHelper) OnBufferReleased() {
	if atomic.LoadInt32(&self.abandoned) == 1 {
		return
	}
	self.threadHandle.Thread().SubmitWork(self.dequeueBufferTask)
}

func (self *SinkHelper) OnRemoteDied() {
	logrus.Warnf("[%s] sink died", self.name)
	atomic.StoreInt32(&self.dead, 1)
}

// worker thread tasks

func (self *SinkHelper) sendBufferTask(buffer *Buffer, fence *Fence) {
	if self.IsDead() || atomic.LoadInt32(&self.abandoned) == 1 {
		buffer.Unref()
		return
	}

	pooled := false
	self.dataLock.Lock()
	for i, pb := range self.pooled {
		if pb.buffer.Id() == buffer.Id() {
			if !pb.inUse {
				logrus.Errorf("[%s] sending pooled buffer %s that was not in use", self.name, buffer)
			}
			self.pooled = append(self.pooled[:i], self.pooled[i+1:]...)
			pooled = true
			break
		}
	}
	self.dataLock.Unlock()

	if !pooled {
		if err := self.sink.AttachBuffer(buffer); err != nil {
			logrus.Errorf("[%s] error attaching buffer to sink (%v)", self.name, err)
			buffer.Unref()
			return
		}
	}
	output, err := self.sink.QueueBuffer(buffer, fence)
	if err != nil {
		logrus.Errorf("[%s] error queueing buffer to sink (%v)", self.name, err)
		buffer.Unref()
		return
	}
	self.ii.BufferQueuedToSink(buffer.Id())
	if output.BufferReplaced {
		self.dequeueBufferTask()
	}
}

func (self *SinkHelper) dequeueBufferTask() {
	if self.IsDead() || atomic.LoadInt32(&self.abandoned) == 1 {
		return
	}
	// leave one slot of headroom so queueing a foreign buffer can attach
	for {
		self.dataLock.Lock()
		count := len(self.pooled)
		self.dataLock.Unlock()
		if count >= self.maxDequeued-1 {
			return
		}
		buffer, fence, err := self.sink.DequeueBuffer()
		if err != nil {
			if errors.Cause(err) != ErrMaxDequeuedExceeded {
				logrus.Errorf("[%s] error dequeueing from sink (%v)", self.name, err)
			}
			return
		}
		self.ii.BufferDequeuedFromSink(buffer.Id())
		self.dataLock.Lock()
		self.pooled = append(self.pooled, &pooledBuffer{buffer: buffer, fence: fence})
		self.dataLock.Unlock()
	}
}

func (self *SinkHelper) setBufferSizeTask(size Size) {
	if self.IsDead() || atomic.LoadInt32(&self.abandoned) == 1 {
		return
	}
	var stale []BufferItem
	self.dataLock.Lock()
	kept := self.pooled[:0]
	for _, pb := range self.pooled {
		if pb.inUse || (pb.buffer.Width() == uint32(size.Width) && pb.buffer.Height() == uint32(size.Height)) {
			kept = append(kept, pb)
			continue
		}
		stale = append(stale, BufferItem{Buffer: pb.buffer, Fence: pb.fence})
	}
	self.pooled = kept
	self.dataLock.Unlock()

	if len(stale) > 0 {
		if err := self.sink.CancelBuffers(stale); err != nil {
			logrus.Errorf("[%s] error cancelling stale buffers (%v)", self.name, err)
		}
		self.ii.BuffersCancelled(len(stale))
	}
	if err := self.sink.SetBuffersDimensions(uint32(size.Width), uint32(size.Height)); err != nil {
		logrus.Errorf("[%s] error resizing sink (%v)", self.name, err)
		return
	}
	self.dequeueBufferTask()
}

func (self *SinkHelper) abandonTask() {
	var held []BufferItem
	self.dataLock.Lock()
	for _, pb := range self.pooled {
		if !pb.inUse {
			held = append(held, BufferItem{Buffer: pb.buffer, Fence: pb.fence})
		}
	}
	self.pooled = nil
	self.dataLock.Unlock()

	if len(held) > 0 {
		if err := self.sink.CancelBuffers(held); err != nil {
			logrus.Errorf("[%s] error cancelling buffers on abandon (%v)", self.name, err)
		}
		self.ii.BuffersCancelled(len(held))
	}
	if err := self.sink.Disconnect(); err != nil {
		logrus.Errorf("[%s] error disconnecting from sink (%v)", self.name, err)
	}
}
