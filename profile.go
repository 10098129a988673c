package vdisplay

import (
	"github.com/openmirror/vdisplay/cfg"
	"github.com/pkg/errors"
)

// Profile carries the pipeline tunables. The baseline values match the
// hardware defaults; Load applies overrides from a decoded config map.
type Profile struct {
	// MaxDequeuedBuffers bounds how many sink buffers may be dequeued
	// concurrently; the helper pools at most MaxDequeuedBuffers-1, reserving
	// headroom for the attach path.
	MaxDequeuedBuffers int `cfg:"max_dequeued_buffers"`
	// SlotCapacity is the client-target slot count configured on the hardware
	// composer; the slot tracker capacity must equal it.
	SlotCapacity uint32 `cfg:"slot_capacity"`
	// FrozenThresholdMs is how long a worker task may run before the thread
	// reports itself frozen.
	FrozenThresholdMs int `cfg:"frozen_threshold_ms"`
	// RenderQueueDepth bounds how many render buffers the client may hold
	// dequeued at once.
	RenderQueueDepth int `cfg:"render_queue_depth"`
	// OutputQueueDepth bounds how many output buffers may be dequeued at once.
	OutputQueueDepth int `cfg:"output_queue_depth"`
}

func NewBaselineProfile() *Profile {
	return &Profile{
		MaxDequeuedBuffers: 4,
		SlotCapacity:       64,
		FrozenThresholdMs:  250,
		RenderQueueDepth:   2,
		OutputQueueDepth:   2,
	}
}

func (self *Profile) Load(data map[string]interface{}) error {
	if err := cfg.Load(data, self); err != nil {
		return errors.Wrap(err, "unable to load profile")
	}
	if self.MaxDequeuedBuffers < 2 {
		return errors.Errorf("max_dequeued_buffers [%d] must be at least 2", self.MaxDequeuedBuffers)
	}
	if self.SlotCapacity < 1 {
		return errors.New("slot_capacity must be at least 1")
	}
	if self.FrozenThresholdMs < 1 {
		return errors.Errorf("frozen_threshold_ms [%d] must be positive", self.FrozenThresholdMs)
	}
	if self.RenderQueueDepth < 1 {
		return errors.Errorf("render_queue_depth [%d] must be positive", self.RenderQueueDepth)
	}
	if self.OutputQueueDepth < 1 {
		return errors.Errorf("output_queue_depth [%d] must be positive", self.OutputQueueDepth)
	}
	return nil
}

func (self *Profile) Dump() string {
	return cfg.Dump("profile", self)
}
