package util

import "sync/atomic"

// Sequence issues monotonically increasing frame numbers.
type Sequence struct {
	nextValue int64
}

func NewSequence(nextValue int64) *Sequence {
	return &Sequence{nextValue: nextValue - 1}
}

func (self *Sequence) ResetTo(nextValue int64) {
	atomic.StoreInt64(&self.nextValue, nextValue-1)
}

func (self *Sequence) Next() int64 {
	return atomic.AddInt64(&self.nextValue, 1)
}
