package vdisplay

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// Task is a unit of work submitted to a WorkerThread.
type Task func()

const (
	workerInitializing int32 = iota
	workerRunning
	workerShuttingDown
	workerShutDown
)

// WorkerThread runs submitted tasks strictly FIFO on one dedicated OS thread.
//
// Tasks here talk to an application-provided sink surface and can arbitrarily
// block or deadlock, so nothing on the composition path ever waits on this
// thread. IsFrozen reports (but does not recover from) a task that has been
// executing for longer than the configured threshold.
type WorkerThread struct {
	name            string
	lock            sync.Mutex
	cond            *sync.Cond
	tasks           *queue.Queue
	state           int32
	working         bool
	workStartedAt   time.Time
	frozenThreshold time.Duration
	ii              InstrumentInstance
}

func NewWorkerThread(name string, frozenThreshold time.Duration, ii InstrumentInstance) *WorkerThread {
	wt := &WorkerThread{
		name:            name,
		tasks:           queue.New(),
		state:           workerInitializing,
		frozenThreshold: frozenThreshold,
		ii:              ii,
	}
	wt.cond = sync.NewCond(&wt.lock)
	go wt.run()
	return wt
}

// SubmitWork enqueues a task. Non-blocking; silently dropped once shutdown
// has begun.
func (self *WorkerThread) SubmitWork(task Task) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.submitWorkLocked(task)
}

func (self *WorkerThread) submitWorkLocked(task Task) {
	state := atomic.LoadInt32(&self.state)
	if state == workerShuttingDown || state == workerShutDown {
		logrus.Debugf("[%s] dropping task submitted after shutdown", self.name)
		self.ii.TaskDropped()
		return
	}
	self.tasks.Add(task)
	self.ii.TaskSubmitted()
	self.cond.Signal()
}

// Kill clears pending tasks to free whatever they hold, enqueues the teardown
// task and then the shutdown transition. No work is accepted after Kill
// returns; an already-running task is not interrupted.
func (self *WorkerThread) Kill(teardown Task) {
	self.lock.Lock()
	defer self.lock.Unlock()

	for self.tasks.Length() > 0 {
		self.tasks.Remove()
	}
	if teardown != nil {
		self.submitWorkLocked(teardown)
	}
	self.submitWorkLocked(func() {
		atomic.StoreInt32(&self.state, workerShutDown)
	})
	atomic.StoreInt32(&self.state, workerShuttingDown)
}

// IsFrozen is advisory only: true when the current task has been executing
// for at least the frozen threshold, suggesting the peer it is blocked on is
// unresponsive.
func (self *WorkerThread) IsFrozen() bool {
	self.lock.Lock()
	defer self.lock.Unlock()
	if !self.working {
		return false
	}
	if time.Since(self.workStartedAt) < self.frozenThreshold {
		return false
	}
	self.ii.WorkerFrozen()
	return true
}

// QueueLength reports the number of tasks waiting to run.
func (self *WorkerThread) QueueLength() int {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.tasks.Length()
}

func (self *WorkerThread) run() {
	// Tasks perform blocking IPC; keep them off other goroutines' threads.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	atomic.StoreInt32(&self.state, workerRunning)
	logrus.Debugf("[%s] started", self.name)
	defer logrus.Debugf("[%s] exited", self.name)

	for self.pollAndWork() {
	}
}

func (self *WorkerThread) pollAndWork() bool {
	self.lock.Lock()
	for self.tasks.Length() == 0 {
		self.cond.Wait()
	}
	task := self.tasks.Remove().(Task)

	self.working = true
	self.workStartedAt = time.Now()
	self.lock.Unlock()

	// Run with the queue lock released: the task may block indefinitely, and
	// may itself call back into SubmitWork.
	task()

	self.lock.Lock()
	self.working = false
	self.lock.Unlock()

	return atomic.LoadInt32(&self.state) != workerShutDown
}
