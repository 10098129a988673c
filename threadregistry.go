package vdisplay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type threadContext struct {
	thread   *WorkerThread
	refCount uint32
}

// ThreadRegistry maintains one WorkerThread per owner uid, shared across all
// virtual displays created by that owner. Explicitly constructed and injected
// by the display-management layer; not a hidden singleton.
type ThreadRegistry struct {
	lock            sync.Mutex
	threadsByUid    map[uint32]*threadContext
	frozenThreshold time.Duration
	instrument      Instrument
}

func NewThreadRegistry(profile *Profile, instrument Instrument) *ThreadRegistry {
	return &ThreadRegistry{
		threadsByUid:    make(map[uint32]*threadContext),
		frozenThreshold: time.Duration(profile.FrozenThresholdMs) * time.Millisecond,
		instrument:      instrument,
	}
}

// Acquire returns a handle on the owner's shared worker thread, creating the
// thread on first use. Every handle must be released exactly once.
func (self *ThreadRegistry) Acquire(uid uint32) *ThreadHandle {
	self.lock.Lock()
	defer self.lock.Unlock()

	if ctx, found := self.threadsByUid[uid]; found {
		ctx.refCount++
		return &ThreadHandle{registry: self, uid: uid, thread: ctx.thread}
	}

	logrus.Infof("creating worker thread for uid %d", uid)
	name := fmt.Sprintf("vdthread-%d", uid)
	thread := NewWorkerThread(name, self.frozenThreshold, self.instrument.NewInstance(name))
	self.threadsByUid[uid] = &threadContext{thread: thread, refCount: 1}
	return &ThreadHandle{registry: self, uid: uid, thread: thread}
}

func (self *ThreadRegistry) release(uid uint32) {
	self.lock.Lock()
	defer self.lock.Unlock()

	ctx, found := self.threadsByUid[uid]
	if !found {
		logrus.Fatalf("releasing non-existent worker thread for uid %d", uid)
		return
	}

	ctx.refCount--
	if ctx.refCount == 0 {
		logrus.Infof("destroying worker thread for uid %d, no more references", uid)
		ctx.thread.Kill(nil)
		delete(self.threadsByUid, uid)
	}
}

// ThreadHandle is a refcounted claim on a shared WorkerThread.
type ThreadHandle struct {
	registry *ThreadRegistry
	uid      uint32
	thread   *WorkerThread
	released int32
}

func (self *ThreadHandle) Thread() *WorkerThread {
	return self.thread
}

// Release drops this handle's claim; the last release kills the thread.
// Idempotent per handle.
func (self *ThreadHandle) Release() {
	if !atomic.CompareAndSwapInt32(&self.released, 0, 1) {
		logrus.Errorf("double release of worker thread handle for uid %d", self.uid)
		return
	}
	self.registry.release(self.uid)
}
