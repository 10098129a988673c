package sim

import (
	"sync/atomic"
	"time"

	"github.com/openmirror/vdisplay"
	vdcmd "github.com/openmirror/vdisplay/cmd/vdisplay/vdisplay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func sim(_ *cobra.Command, _ []string) {
	var compositionType vdisplay.CompositionType
	switch mode {
	case "gpu":
		compositionType = vdisplay.CompositionGpu
	case "hwc":
		compositionType = vdisplay.CompositionHwc
	case "mixed":
		compositionType = vdisplay.CompositionMixed
	default:
		logrus.Fatalf("unknown mode '%s'", mode)
	}

	profile, instrument, err := vdcmd.LoadOptions()
	if err != nil {
		logrus.Fatalf("error loading options (%v)", err)
	}

	registry := vdisplay.NewThreadRegistry(profile, instrument)
	sinkIi := instrument.NewInstance("sim:sink")

	sinkUsage := vdisplay.UsageHwRender | vdisplay.UsageHwComposer | vdisplay.UsageCpuRead
	sinkQueue := vdisplay.NewBufferQueue("sim:sink", width, height, vdisplay.PixelFormatRGBA8888, vdisplay.DataSpaceSRGB, sinkUsage, sinkIi)

	var delivered int64
	sinkConsumer := sinkQueue.Consumer()
	sinkConsumer.SetFrameAvailableListener(func() {
		item, err := sinkConsumer.AcquireBuffer()
		if err != nil {
			logrus.Errorf("error acquiring sink buffer (%v)", err)
			return
		}
		if err := sinkConsumer.ReleaseBuffer(item.Buffer, item.Fence); err != nil {
			logrus.Errorf("error releasing sink buffer (%v)", err)
			return
		}
		atomic.AddInt64(&delivered, 1)
	})

	hwc := &simHWC{}
	config := vdisplay.DisplayConfig{
		DisplayId: 1,
		Name:      "sim",
		OwnerUid:  1000,
		GpuOnly:   compositionType == vdisplay.CompositionGpu,
	}
	surface, err := vdisplay.NewCompositionSurface(hwc, config, sinkQueue.Producer(), registry, profile, instrument)
	if err != nil {
		logrus.Fatalf("error creating composition surface (%v)", err)
	}
	defer surface.Abandon()

	renderer := surface.GetCompositionSurface()
	if err := renderer.Connect(&rendererListener{}); err != nil {
		logrus.Fatalf("error connecting renderer (%v)", err)
	}

	start := time.Now()
	for i := 0; i < frames; i++ {
		if err := surface.BeginFrame(true); err != nil {
			logrus.Fatalf("error beginning frame %d (%v)", i, err)
		}
		if err := surface.PrepareFrame(compositionType); err != nil {
			logrus.Fatalf("error preparing frame %d (%v)", i, err)
		}
		if compositionType != vdisplay.CompositionHwc {
			if err := renderFrame(renderer); err != nil {
				logrus.Fatalf("error rendering frame %d (%v)", i, err)
			}
		}
		if err := surface.AdvanceFrame(1.0); err != nil {
			logrus.Fatalf("error advancing frame %d (%v)", i, err)
		}
		if err := surface.OnFrameCommitted(); err != nil {
			logrus.Fatalf("error committing frame %d (%v)", i, err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for atomic.LoadInt64(&delivered) < int64(frames) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	got := atomic.LoadInt64(&delivered)
	if got != int64(frames) {
		logrus.Fatalf("delivered [%d/%d] frames", got, frames)
	}
	logrus.Infof("delivered [%d] %s frames in %s, hwc calls [output %d, client %d]", got, compositionType, elapsed, atomic.LoadInt64(&hwc.outputBuffers), atomic.LoadInt64(&hwc.clientTargets))
	logrus.Infof("\n%s", surface.Dump())
}

// renderFrame draws one frame into the render queue.
func renderFrame(renderer vdisplay.Surface) error {
	buffer, fence, err := renderer.DequeueBuffer()
	if err != nil {
		return err
	}
	_, err = renderer.QueueBuffer(buffer, fence)
	return err
}

type rendererListener struct{}

func (self *rendererListener) OnBufferReleased() {}
func (self *rendererListener) OnRemoteDied()     {}

// simHWC counts hand-offs and completes every frame immediately.
type simHWC struct {
	outputBuffers int64
	clientTargets int64
	slotCount     uint32
}

func (self *simHWC) SetOutputBuffer(_ vdisplay.DisplayId, _ *vdisplay.Fence, _ *vdisplay.Buffer) error {
	atomic.AddInt64(&self.outputBuffers, 1)
	return nil
}

func (self *simHWC) SetClientTarget(_ vdisplay.DisplayId, _ uint32, _ *vdisplay.Fence, _ *vdisplay.Buffer, _ vdisplay.DataSpace, _ float32) error {
	atomic.AddInt64(&self.clientTargets, 1)
	return nil
}

func (self *simHWC) GetPresentFence(_ vdisplay.DisplayId) *vdisplay.Fence {
	return vdisplay.NoFence
}

func (self *simHWC) SetClientTargetSlotCount(_ vdisplay.DisplayId, count uint32) {
	self.slotCount = count
}
