package vdisplay

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type PixelFormat int32

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGBA8888
	PixelFormatRGBX8888
	PixelFormatRGB565
)

type DataSpace int32

const (
	DataSpaceUnknown DataSpace = iota
	DataSpaceSRGB
	DataSpaceDisplayP3
)

// Buffer usage flags. A consumer advertises the usages it needs; a buffer may
// only be handed to a consumer whose required usage is a subset of the
// buffer's.
const (
	UsageHwRender   uint64 = 1 << 0
	UsageHwComposer uint64 = 1 << 1
	UsageCpuRead    uint64 = 1 << 2
	UsageCpuWrite   uint64 = 1 << 3
)

var nextBufferId uint64

// Buffer is an opaque, refcounted handle to a GPU buffer. Ownership is
// exclusive at any instant: a Buffer is held by exactly one queue slot, pool
// entry, frame, or the sink, and transfers between them are moves.
type Buffer struct {
	id     uint64
	width  uint32
	height uint32
	format PixelFormat
	usage  uint64
	refs   int32
	pool   *BufferPool
}

func (self *Buffer) Id() uint64          { return self.id }
func (self *Buffer) Width() uint32       { return self.width }
func (self *Buffer) Height() uint32      { return self.height }
func (self *Buffer) Format() PixelFormat { return self.format }
func (self *Buffer) Usage() uint64       { return self.usage }

func (self *Buffer) String() string {
	return fmt.Sprintf("buffer{id=%d, %dx%d}", self.id, self.width, self.height)
}

func (self *Buffer) Ref() {
	atomic.AddInt32(&self.refs, 1)
}

func (self *Buffer) Unref() {
	if atomic.AddInt32(&self.refs, -1) < 1 {
		self.pool.put(self)
	}
}

// BufferPool allocates Buffers of the pool's current geometry, recycling
// handles whose geometry still matches. Geometry changes take effect for
// subsequent allocations only.
type BufferPool struct {
	id     string
	lock   sync.Mutex
	width  uint32
	height uint32
	format PixelFormat
	usage  uint64
	store  *sync.Pool
	ii     InstrumentInstance
}

func NewBufferPool(id string, width, height uint32, format PixelFormat, usage uint64, ii InstrumentInstance) *BufferPool {
	p := &BufferPool{
		id:     id,
		width:  width,
		height: height,
		format: format,
		usage:  usage,
		store:  new(sync.Pool),
		ii:     ii,
	}
	return p
}

func (self *BufferPool) SetGeometry(width, height uint32) {
	self.lock.Lock()
	self.width, self.height = width, height
	self.lock.Unlock()
}

func (self *BufferPool) Get() *Buffer {
	self.lock.Lock()
	width, height := self.width, self.height
	self.lock.Unlock()

	if v := self.store.Get(); v != nil {
		buf := v.(*Buffer)
		if buf.width == width && buf.height == height {
			buf.Ref()
			return buf
		}
		// stale geometry, drop it
	}

	if self.ii != nil {
		self.ii.Allocate(self.id)
	}
	buf := &Buffer{
		id:     atomic.AddUint64(&nextBufferId, 1),
		width:  width,
		height: height,
		format: self.format,
		usage:  self.usage,
		pool:   self,
	}
	buf.Ref()
	return buf
}

func (self *BufferPool) put(buf *Buffer) {
	self.store.Put(buf)
}
