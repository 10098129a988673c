package vdisplay

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type bufferState int

const (
	bufferFree bufferState = iota
	bufferDequeued
	bufferQueued
	bufferAcquired
)

type queueEntry struct {
	buffer *Buffer
	fence  *Fence
	state  bufferState
}

// BufferQueue is an in-memory buffer queue with a producer endpoint
// (Producer, satisfying Surface) and a consumer endpoint (Consumer). Buffers
// move free -> dequeued -> queued -> acquired -> free; attach/detach move
// foreign buffers in and owned buffers out. Async mode keeps queue depth at
// one, replacing the pending frame when the consumer falls behind.
type BufferQueue struct {
	lock           sync.Mutex
	name           string
	pool           *BufferPool
	width          uint32
	height         uint32
	format         PixelFormat
	dataSpace      DataSpace
	usage          uint64
	asyncMode      bool
	maxDequeued    int
	dequeuedCt     int
	entries        map[uint64]*queueEntry
	freeOrder      []uint64
	queuedOrder    []uint64
	listener       SurfaceListener
	frameAvailable func()
	connected      bool
	abandoned      bool
	ii             InstrumentInstance
}

func NewBufferQueue(name string, width, height uint32, format PixelFormat, dataSpace DataSpace, usage uint64, ii InstrumentInstance) *BufferQueue {
	return &BufferQueue{
		name:        name,
		pool:        NewBufferPool(name, width, height, format, usage, ii),
		width:       width,
		height:      height,
		format:      format,
		dataSpace:   dataSpace,
		usage:       usage,
		maxDequeued: 1,
		entries:     make(map[uint64]*queueEntry),
		ii:          ii,
	}
}

func (self *BufferQueue) Producer() Surface        { return &queueProducer{self} }
func (self *BufferQueue) Consumer() BufferConsumer { return &queueConsumer{self} }

// producer side

type queueProducer struct {
	q *BufferQueue
}

func (self *queueProducer) Connect(listener SurfaceListener) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	if self.q.abandoned {
		return errors.Wrapf(ErrAbandoned, "connect [%s]", self.q.name)
	}
	if self.q.connected {
		return errors.Wrapf(ErrInvalidOperation, "[%s] already connected", self.q.name)
	}
	self.q.connected = true
	self.q.listener = listener
	return nil
}

func (self *queueProducer) Disconnect() error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	if !self.q.connected {
		return errors.Wrapf(ErrNotConnected, "disconnect [%s]", self.q.name)
	}
	// anything still dequeued by the departing producer becomes free again
	for id, entry := range self.q.entries {
		if entry.state == bufferDequeued {
			entry.state = bufferFree
			entry.fence = NoFence
			self.q.freeOrder = append(self.q.freeOrder, id)
			self.q.dequeuedCt--
		}
	}
	self.q.connected = false
	self.q.listener = nil
	return nil
}

func (self *queueProducer) Name() string {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.name
}

func (self *queueProducer) Width() uint32 {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.width
}

func (self *queueProducer) Height() uint32 {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.height
}

func (self *queueProducer) Format() PixelFormat {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.format
}

func (self *queueProducer) DataSpace() DataSpace {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.dataSpace
}

func (self *queueProducer) ConsumerUsage() uint64 {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.usage
}

func (self *queueProducer) SetAsyncMode(async bool) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	if self.q.abandoned {
		return errors.Wrapf(ErrAbandoned, "setAsyncMode [%s]", self.q.name)
	}
	self.q.asyncMode = async
	return nil
}

func (self *queueProducer) SetMaxDequeuedBuffers(count int) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	if self.q.abandoned {
		return errors.Wrapf(ErrAbandoned, "setMaxDequeuedBuffers [%s]", self.q.name)
	}
	if count < 1 {
		return errors.Wrapf(ErrBadValue, "[%s] max dequeued buffers [%d]", self.q.name, count)
	}
	self.q.maxDequeued = count
	return nil
}

func (self *queueProducer) SetBuffersDimensions(width, height uint32) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	if self.q.abandoned {
		return errors.Wrapf(ErrAbandoned, "setBuffersDimensions [%s]", self.q.name)
	}
	self.q.setGeometryLocked(width, height)
	return nil
}

func (self *queueProducer) DequeueBuffer() (*Buffer, *Fence, error) {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	q := self.q
	if q.abandoned {
		return nil, nil, errors.Wrapf(ErrAbandoned, "dequeue [%s]", q.name)
	}
	if !q.connected {
		return nil, nil, errors.Wrapf(ErrNotConnected, "dequeue [%s]", q.name)
	}
	if q.dequeuedCt >= q.maxDequeued {
		return nil, nil, errors.Wrapf(ErrMaxDequeuedExceeded, "dequeue [%s], [%d] outstanding", q.name, q.dequeuedCt)
	}

	// prefer a free buffer of the current geometry; stale ones are freed
	for i := 0; i < len(q.freeOrder); {
		id := q.freeOrder[i]
		entry := q.entries[id]
		if entry.buffer.Width() == q.width && entry.buffer.Height() == q.height {
			q.freeOrder = append(q.freeOrder[:i], q.freeOrder[i+1:]...)
			entry.state = bufferDequeued
			q.dequeuedCt++
			fence := entry.fence
			entry.fence = NoFence
			return entry.buffer, fence, nil
		}
		q.freeOrder = append(q.freeOrder[:i], q.freeOrder[i+1:]...)
		delete(q.entries, id)
		entry.buffer.Unref()
	}

	buffer := q.pool.Get()
	q.entries[buffer.Id()] = &queueEntry{buffer: buffer, fence: NoFence, state: bufferDequeued}
	q.dequeuedCt++
	return buffer, NoFence, nil
}

func (self *queueProducer) QueueBuffer(buffer *Buffer, fence *Fence) (QueueBufferOutput, error) {
	self.q.lock.Lock()
	q := self.q
	if q.abandoned {
		q.lock.Unlock()
		return QueueBufferOutput{}, errors.Wrapf(ErrAbandoned, "queue [%s]", q.name)
	}
	entry, found := q.entries[buffer.Id()]
	if !found || entry.state != bufferDequeued {
		q.lock.Unlock()
		return QueueBufferOutput{}, errors.Wrapf(ErrBadBufferState, "queue [%s] %s", q.name, buffer)
	}

	entry.state = bufferQueued
	entry.fence = fence
	q.dequeuedCt--
	q.queuedOrder = append(q.queuedOrder, buffer.Id())

	var output QueueBufferOutput
	if q.asyncMode && len(q.queuedOrder) > 1 {
		// consumer fell behind: drop the stale pending frame back to free
		staleId := q.queuedOrder[0]
		q.queuedOrder = q.queuedOrder[1:]
		stale := q.entries[staleId]
		stale.state = bufferFree
		q.freeOrder = append(q.freeOrder, staleId)
		output.BufferReplaced = true
		logrus.Debugf("[%s] replaced pending buffer %d", q.name, staleId)
	}
	frameAvailable := q.frameAvailable
	listener := q.listener
	q.lock.Unlock()

	if frameAvailable != nil {
		frameAvailable()
	}
	if output.BufferReplaced && listener != nil {
		listener.OnBufferReleased()
	}
	return output, nil
}

func (self *queueProducer) AttachBuffer(buffer *Buffer) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.attachLocked(buffer, bufferDequeued)
}

func (self *queueProducer) DetachBuffer(buffer *Buffer) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.detachLocked(buffer, bufferDequeued)
}

func (self *queueProducer) CancelBuffers(buffers []BufferItem) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	q := self.q
	if q.abandoned {
		return errors.Wrapf(ErrAbandoned, "cancel [%s]", q.name)
	}
	for _, item := range buffers {
		entry, found := q.entries[item.Buffer.Id()]
		if !found || entry.state != bufferDequeued {
			return errors.Wrapf(ErrBadBufferState, "cancel [%s] %s", q.name, item.Buffer)
		}
		entry.state = bufferFree
		entry.fence = MergeFences("cancel", entry.fence, item.Fence)
		q.freeOrder = append(q.freeOrder, item.Buffer.Id())
		q.dequeuedCt--
	}
	return nil
}

// consumer side

type queueConsumer struct {
	q *BufferQueue
}

func (self *queueConsumer) AcquireBuffer() (BufferItem, error) {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	q := self.q
	if q.abandoned {
		return BufferItem{}, errors.Wrapf(ErrAbandoned, "acquire [%s]", q.name)
	}
	if len(q.queuedOrder) == 0 {
		return BufferItem{}, errors.Wrapf(ErrNoBuffer, "acquire [%s]", q.name)
	}
	id := q.queuedOrder[0]
	q.queuedOrder = q.queuedOrder[1:]
	entry := q.entries[id]
	entry.state = bufferAcquired
	fence := entry.fence
	entry.fence = NoFence
	return BufferItem{Buffer: entry.buffer, Fence: fence}, nil
}

func (self *queueConsumer) ReleaseBuffer(buffer *Buffer, fence *Fence) error {
	self.q.lock.Lock()
	q := self.q
	if q.abandoned {
		q.lock.Unlock()
		return errors.Wrapf(ErrAbandoned, "release [%s]", q.name)
	}
	entry, found := q.entries[buffer.Id()]
	if !found || entry.state != bufferAcquired {
		q.lock.Unlock()
		return errors.Wrapf(ErrBadBufferState, "release [%s] %s", q.name, buffer)
	}
	entry.state = bufferFree
	entry.fence = fence
	q.freeOrder = append(q.freeOrder, buffer.Id())
	listener := q.listener
	q.lock.Unlock()

	if listener != nil {
		listener.OnBufferReleased()
	}
	return nil
}

func (self *queueConsumer) AttachBuffer(buffer *Buffer) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.attachLocked(buffer, bufferAcquired)
}

func (self *queueConsumer) DetachBuffer(buffer *Buffer) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	return self.q.detachLocked(buffer, bufferAcquired)
}

func (self *queueConsumer) SetDefaultBufferSize(width, height uint32) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	if self.q.abandoned {
		return errors.Wrapf(ErrAbandoned, "setDefaultBufferSize [%s]", self.q.name)
	}
	self.q.setGeometryLocked(width, height)
	return nil
}

func (self *queueConsumer) SetDefaultBufferFormat(format PixelFormat) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	self.q.format = format
	return nil
}

func (self *queueConsumer) SetDefaultBufferDataSpace(dataSpace DataSpace) error {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	self.q.dataSpace = dataSpace
	return nil
}

func (self *queueConsumer) SetFrameAvailableListener(listener func()) {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	self.q.frameAvailable = listener
}

func (self *queueConsumer) SetName(name string) {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	self.q.name = name
}

func (self *queueConsumer) Abandon() {
	self.q.lock.Lock()
	defer self.q.lock.Unlock()
	q := self.q
	if q.abandoned {
		return
	}
	q.abandoned = true
	for id, entry := range q.entries {
		if entry.state == bufferFree || entry.state == bufferQueued {
			entry.buffer.Unref()
		}
		delete(q.entries, id)
	}
	q.freeOrder = nil
	q.queuedOrder = nil
	q.dequeuedCt = 0
}

// shared

func (self *BufferQueue) attachLocked(buffer *Buffer, state bufferState) error {
	if self.abandoned {
		return errors.Wrapf(ErrAbandoned, "attach [%s]", self.name)
	}
	if _, found := self.entries[buffer.Id()]; found {
		return errors.Wrapf(ErrBadBufferState, "attach [%s] %s already present", self.name, buffer)
	}
	if state == bufferDequeued {
		if self.dequeuedCt >= self.maxDequeued {
			return errors.Wrapf(ErrMaxDequeuedExceeded, "attach [%s]", self.name)
		}
		self.dequeuedCt++
	}
	self.entries[buffer.Id()] = &queueEntry{buffer: buffer, fence: NoFence, state: state}
	self.ii.BufferAttached(buffer.Id())
	return nil
}

func (self *BufferQueue) detachLocked(buffer *Buffer, state bufferState) error {
	if self.abandoned {
		return errors.Wrapf(ErrAbandoned, "detach [%s]", self.name)
	}
	entry, found := self.entries[buffer.Id()]
	if !found || entry.state != state {
		return errors.Wrapf(ErrBadBufferState, "detach [%s] %s", self.name, buffer)
	}
	if state == bufferDequeued {
		self.dequeuedCt--
	}
	delete(self.entries, buffer.Id())
	return nil
}

func (self *BufferQueue) setGeometryLocked(width, height uint32) {
	self.width = width
	self.height = height
	self.pool.SetGeometry(width, height)
}
