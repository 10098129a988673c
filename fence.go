package vdisplay

import (
	"fmt"
	"sync"
)

var signaledChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NoFence is an always-signaled fence, used where no synchronization is
// required.
var NoFence = &Fence{name: "no-fence", done: signaledChan}

// Fence is a one-shot synchronization primitive: created pending, fired once
// via Signal. A merged fence signals only when all of its inputs have
// signaled, so merging never discards a pending fence.
type Fence struct {
	name string
	deps []*Fence
	done chan struct{}
	once sync.Once
}

func NewFence(name string) *Fence {
	return &Fence{name: name, done: make(chan struct{})}
}

func (self *Fence) Name() string {
	if self == nil {
		return "nil"
	}
	return self.name
}

func (self *Fence) String() string {
	if self == nil {
		return "fence{nil}"
	}
	state := "pending"
	if self.Signaled() {
		state = "signaled"
	}
	return fmt.Sprintf("fence{%s, %s}", self.name, state)
}

func (self *Fence) Signal() {
	if self == nil {
		return
	}
	self.once.Do(func() {
		select {
		case <-self.done:
		default:
			close(self.done)
		}
	})
}

// Signaled reports whether the fence and every fence merged into it have
// fired. A nil fence counts as signaled.
func (self *Fence) Signaled() bool {
	if self == nil {
		return true
	}
	select {
	case <-self.done:
	default:
		return false
	}
	for _, dep := range self.deps {
		if !dep.Signaled() {
			return false
		}
	}
	return true
}

// MergeFences unions two fences. The result is signaled only when both inputs
// are; an already-signaled (or nil) input contributes nothing and is elided.
// A merged fence is driven entirely by its inputs. Its own done channel is
// pre-closed, so calling Signal on it is a no-op; signal the inputs instead.
func MergeFences(name string, a, b *Fence) *Fence {
	if a.Signaled() {
		if b == nil {
			return NoFence
		}
		return b
	}
	if b.Signaled() {
		return a
	}
	return &Fence{name: name, deps: []*Fence{a, b}, done: signaledChan}
}
