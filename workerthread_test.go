package vdisplay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerThreadFifo(t *testing.T) {
	wt := NewWorkerThread("fifo", 250*time.Millisecond, NilInstrumentInstance{})
	defer wt.Kill(nil)

	var lock sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		wt.SubmitWork(func() {
			lock.Lock()
			order = append(order, i)
			lock.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for tasks")
	}

	lock.Lock()
	defer lock.Unlock()
	assert.Equal(t, 100, len(order))
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWorkerThreadSubmitFromTask(t *testing.T) {
	wt := NewWorkerThread("reentrant", 250*time.Millisecond, NilInstrumentInstance{})
	defer wt.Kill(nil)

	done := make(chan struct{})
	wt.SubmitWork(func() {
		wt.SubmitWork(func() {
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested submission never ran")
	}
}

func TestWorkerThreadShutdownDropsWork(t *testing.T) {
	wt := NewWorkerThread("shutdown", 250*time.Millisecond, NilInstrumentInstance{})

	teardownRan := make(chan struct{})
	wt.Kill(func() {
		close(teardownRan)
	})

	select {
	case <-teardownRan:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown never ran")
	}

	var executed int32
	wt.SubmitWork(func() {
		atomic.AddInt32(&executed, 1)
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&executed))
	assert.Equal(t, 0, wt.QueueLength())
}

func TestWorkerThreadFrozen(t *testing.T) {
	wt := NewWorkerThread("frozen", 50*time.Millisecond, NilInstrumentInstance{})
	defer wt.Kill(nil)

	assert.False(t, wt.IsFrozen())

	release := make(chan struct{})
	started := make(chan struct{})
	wt.SubmitWork(func() {
		close(started)
		<-release
	})

	<-started
	time.Sleep(100 * time.Millisecond)
	assert.True(t, wt.IsFrozen())

	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, wt.IsFrozen())
}
