package vdisplay

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmirror/vdisplay/cfg"
	"github.com/openmirror/vdisplay/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var localEnabled = false
var localEnabledOverridden = false

// MetricsInstrument accumulates per-display pipeline counters, snapshotting
// them on a timer into sample series that can be written out as CSV datasets.
// A unix control socket toggles collection and flushes samples in a running
// process.
type MetricsInstrument struct {
	lock      sync.Mutex
	Config    *MetricsInstrumentConfig
	instances []*metricsInstrumentInstance
}

type MetricsInstrumentConfig struct {
	Path       string `cfg:"path"`
	SnapshotMs int    `cfg:"snapshot_ms"`
	Enabled    bool   `cfg:"enabled"`
}

func NewMetricsInstrument(config map[string]interface{}) (Instrument, error) {
	i := &MetricsInstrument{
		Config: &MetricsInstrumentConfig{
			SnapshotMs: 1000,
		},
	}
	if err := cfg.Load(config, i.Config); err != nil {
		return nil, errors.Wrap(err, "unable to load config")
	}
	if err := addCtrlListener(i); err != nil {
		return nil, err
	}
	return i, nil
}

func addCtrlListener(i *MetricsInstrument) error {
	if localEnabledOverridden {
		i.Config.Enabled = localEnabled
	}
	cl, err := util.GetCtrlListener(i.Config.Path, "vdisplay")
	if err != nil {
		return errors.Wrap(err, "unable to get metrics ctrl listener")
	}
	cl.AddCallback("start", func(string) error {
		localEnabled = true
		localEnabledOverridden = true

		i.Config.Enabled = true
		return nil
	})
	cl.AddCallback("stop", func(string) error {
		localEnabled = false
		localEnabledOverridden = true

		i.Config.Enabled = false
		return nil
	})
	cl.AddCallback("write", func(string) error {
		err := i.WriteAllSamples()
		if err != nil {
			logrus.Errorf("error writing samples (%v)", err)
		}
		return err
	})
	cl.AddCallback("clean", func(string) error {
		i.clean()
		return nil
	})
	cl.Start()
	logrus.Infof(cfg.Dump("metrics", i.Config))
	return nil
}

func (self *MetricsInstrument) NewInstance(id string) InstrumentInstance {
	self.lock.Lock()
	defer self.lock.Unlock()
	ii := &metricsInstrumentInstance{
		id:     id,
		config: self.Config,
		close:  make(chan struct{}, 1),
	}
	go ii.snapshotter(self.Config.SnapshotMs)
	self.instances = append(self.instances, ii)
	return ii
}

func (self *MetricsInstrument) WriteAllSamples() error {
	self.lock.Lock()
	defer self.lock.Unlock()

	for _, ii := range self.instances {
		displayName := strings.ReplaceAll(fmt.Sprintf("%s_", ii.id), ":", "-")
		if err := os.MkdirAll(self.Config.Path, os.ModePerm); err != nil {
			return err
		}
		outPath, err := os.MkdirTemp(self.Config.Path, displayName)
		if err != nil {
			return err
		}
		logrus.Infof("writing metrics to: %s", outPath)

		var values map[string]string
		if err := util.WriteMetricsId("vdisplay.1", outPath, values); err != nil {
			return err
		}
		if err := util.WriteSamples("frames_begun", outPath, ii.framesBegun); err != nil {
			return err
		}
		if err := util.WriteSamples("frames_prepared", outPath, ii.framesPrepared); err != nil {
			return err
		}
		if err := util.WriteSamples("frames_advanced", outPath, ii.framesAdvanced); err != nil {
			return err
		}
		if err := util.WriteSamples("frames_committed", outPath, ii.framesCommitted); err != nil {
			return err
		}
		if err := util.WriteSamples("sink_queued", outPath, ii.sinkQueued); err != nil {
			return err
		}
		if err := util.WriteSamples("sink_dequeued", outPath, ii.sinkDequeued); err != nil {
			return err
		}
		if err := util.WriteSamples("buffers_attached", outPath, ii.buffersAttached); err != nil {
			return err
		}
		if err := util.WriteSamples("buffers_cancelled", outPath, ii.buffersCancelled); err != nil {
			return err
		}
		if err := util.WriteSamples("slot_hits", outPath, ii.slotHits); err != nil {
			return err
		}
		if err := util.WriteSamples("slot_misses", outPath, ii.slotMisses); err != nil {
			return err
		}
		if err := util.WriteSamples("slot_evictions", outPath, ii.slotEvictions); err != nil {
			return err
		}
		if err := util.WriteSamples("tasks_submitted", outPath, ii.tasksSubmitted); err != nil {
			return err
		}
		if err := util.WriteSamples("tasks_dropped", outPath, ii.tasksDropped); err != nil {
			return err
		}
		if err := util.WriteSamples("frozen_events", outPath, ii.frozenEvents); err != nil {
			return err
		}
		if err := util.WriteSamples("allocations", outPath, ii.allocations); err != nil {
			return err
		}
	}
	return nil
}

func (self *MetricsInstrument) clean() {
	self.lock.Lock()
	defer self.lock.Unlock()

	idx := self.findClosed()
	for idx != -1 {
		logrus.Infof("removed metricsInstrumentInstance #%p", self.instances[idx])
		self.instances = append(self.instances[:idx], self.instances[idx+1:]...)
		idx = self.findClosed()
	}
}

func (self *MetricsInstrument) findClosed() int {
	for i, ii := range self.instances {
		if ii.closed {
			return i
		}
	}
	return -1
}

type metricsInstrumentInstance struct {
	id     string
	config *MetricsInstrumentConfig
	close  chan struct{}
	closed bool

	framesBegun          []*util.Sample
	framesBegunAccum     int64
	framesPrepared       []*util.Sample
	framesPreparedAccum  int64
	framesAdvanced       []*util.Sample
	framesAdvancedAccum  int64
	framesCommitted      []*util.Sample
	framesCommittedAccum int64

	sinkQueued            []*util.Sample
	sinkQueuedAccum       int64
	sinkDequeued          []*util.Sample
	sinkDequeuedAccum     int64
	buffersAttached       []*util.Sample
	buffersAttachedAccum  int64
	buffersCancelled      []*util.Sample
	buffersCancelledAccum int64

	slotHits           []*util.Sample
	slotHitsAccum      int64
	slotMisses         []*util.Sample
	slotMissesAccum    int64
	slotEvictions      []*util.Sample
	slotEvictionsAccum int64

	tasksSubmitted      []*util.Sample
	tasksSubmittedAccum int64
	tasksDropped        []*util.Sample
	tasksDroppedAccum   int64
	frozenEvents        []*util.Sample
	frozenEventsAccum   int64

	allocations      []*util.Sample
	allocationsAccum int64
}

/*
 * frame lifecycle
 */
func (self *metricsInstrumentInstance) FrameBegun(int64) {
	if self.config.Enabled {
		atomic.AddInt64(&self.framesBegunAccum, 1)
	}
}

func (self *metricsInstrumentInstance) FramePrepared(int64, CompositionType) {
	if self.config.Enabled {
		atomic.AddInt64(&self.framesPreparedAccum, 1)
	}
}

func (self *metricsInstrumentInstance) FrameAdvanced(int64) {
	if self.config.Enabled {
		atomic.AddInt64(&self.framesAdvancedAccum, 1)
	}
}

func (self *metricsInstrumentInstance) FrameCommitted(int64) {
	if self.config.Enabled {
		atomic.AddInt64(&self.framesCommittedAccum, 1)
	}
}

/*
 * sink traffic
 */
func (self *metricsInstrumentInstance) BufferQueuedToSink(uint64) {
	if self.config.Enabled {
		atomic.AddInt64(&self.sinkQueuedAccum, 1)
	}
}

func (self *metricsInstrumentInstance) BufferDequeuedFromSink(uint64) {
	if self.config.Enabled {
		atomic.AddInt64(&self.sinkDequeuedAccum, 1)
	}
}

func (self *metricsInstrumentInstance) BufferAttached(uint64) {
	if self.config.Enabled {
		atomic.AddInt64(&self.buffersAttachedAccum, 1)
	}
}

func (self *metricsInstrumentInstance) BuffersCancelled(count int) {
	if self.config.Enabled {
		atomic.AddInt64(&self.buffersCancelledAccum, int64(count))
	}
}

/*
 * slot tracker
 */
func (self *metricsInstrumentInstance) SlotHit(uint32) {
	if self.config.Enabled {
		atomic.AddInt64(&self.slotHitsAccum, 1)
	}
}

func (self *metricsInstrumentInstance) SlotMiss(uint32) {
	if self.config.Enabled {
		atomic.AddInt64(&self.slotMissesAccum, 1)
	}
}

func (self *metricsInstrumentInstance) SlotEvicted(uint32) {
	if self.config.Enabled {
		atomic.AddInt64(&self.slotEvictionsAccum, 1)
	}
}

/*
 * worker thread
 */
func (self *metricsInstrumentInstance) TaskSubmitted() {
	if self.config.Enabled {
		atomic.AddInt64(&self.tasksSubmittedAccum, 1)
	}
}

func (self *metricsInstrumentInstance) TaskDropped() {
	if self.config.Enabled {
		atomic.AddInt64(&self.tasksDroppedAccum, 1)
	}
}

func (self *metricsInstrumentInstance) WorkerFrozen() {
	if self.config.Enabled {
		atomic.AddInt64(&self.frozenEventsAccum, 1)
	}
}

/*
 * allocation
 */
func (self *metricsInstrumentInstance) Allocate(string) {
	if self.config.Enabled {
		atomic.AddInt64(&self.allocationsAccum, 1)
	}
}

/*
 * instrument lifecycle
 */
func (self *metricsInstrumentInstance) Shutdown() {
	if !self.closed {
		self.closed = true
		close(self.close)
	}
}

func (self *metricsInstrumentInstance) snapshotter(ms int) {
	logrus.Infof("started")
	defer logrus.Infof("exited")
	for {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		if self.config.Enabled {
			self.snapshot()
		}
		select {
		case <-self.close:
			self.snapshot()
			return
		default:
			//
		}
	}
}

func (self *metricsInstrumentInstance) snapshot() {
	now := time.Now()
	self.framesBegun = append(self.framesBegun, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.framesBegunAccum, 0)})
	self.framesPrepared = append(self.framesPrepared, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.framesPreparedAccum, 0)})
	self.framesAdvanced = append(self.framesAdvanced, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.framesAdvancedAccum, 0)})
	self.framesCommitted = append(self.framesCommitted, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.framesCommittedAccum, 0)})
	self.sinkQueued = append(self.sinkQueued, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.sinkQueuedAccum, 0)})
	self.sinkDequeued = append(self.sinkDequeued, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.sinkDequeuedAccum, 0)})
	self.buffersAttached = append(self.buffersAttached, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.buffersAttachedAccum, 0)})
	self.buffersCancelled = append(self.buffersCancelled, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.buffersCancelledAccum, 0)})
	self.slotHits = append(self.slotHits, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.slotHitsAccum, 0)})
	self.slotMisses = append(self.slotMisses, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.slotMissesAccum, 0)})
	self.slotEvictions = append(self.slotEvictions, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.slotEvictionsAccum, 0)})
	self.tasksSubmitted = append(self.tasksSubmitted, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.tasksSubmittedAccum, 0)})
	self.tasksDropped = append(self.tasksDropped, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.tasksDroppedAccum, 0)})
	self.frozenEvents = append(self.frozenEvents, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.frozenEventsAccum, 0)})
	self.allocations = append(self.allocations, &util.Sample{Ts: now, V: atomic.SwapInt64(&self.allocationsAccum, 0)})
}
