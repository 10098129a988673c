package vdisplay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistrySharesThreadPerUid(t *testing.T) {
	registry := NewThreadRegistry(NewBaselineProfile(), NewNilInstrument())

	h1 := registry.Acquire(1000)
	h2 := registry.Acquire(1000)
	h3 := registry.Acquire(2000)

	assert.Same(t, h1.Thread(), h2.Thread())
	assert.NotSame(t, h1.Thread(), h3.Thread())

	h1.Release()
	h2.Release()
	h3.Release()
}

func TestRegistryDestroysThreadOnLastRelease(t *testing.T) {
	registry := NewThreadRegistry(NewBaselineProfile(), NewNilInstrument())

	h1 := registry.Acquire(1000)
	h2 := registry.Acquire(1000)
	thread := h1.Thread()

	h1.Release()

	// still referenced; work must run
	ran := make(chan struct{})
	thread.SubmitWork(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("thread stopped while still referenced")
	}

	h2.Release()

	// killed now; submissions are dropped
	thread.SubmitWork(func() { t.Error("task ran after registry release") })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, thread.QueueLength())

	// a fresh acquire builds a new thread
	h4 := registry.Acquire(1000)
	assert.NotSame(t, thread, h4.Thread())
	h4.Release()
}

func TestHandleDoubleReleaseIsSafe(t *testing.T) {
	registry := NewThreadRegistry(NewBaselineProfile(), NewNilInstrument())

	h1 := registry.Acquire(1000)
	h2 := registry.Acquire(1000)

	h1.Release()
	h1.Release()

	// the second release of h1 must not have decremented h2's reference
	ran := make(chan struct{})
	h2.Thread().SubmitWork(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("thread stopped after double release")
	}
	h2.Release()
}
