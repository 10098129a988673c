package sim

import (
	vdcmd "github.com/openmirror/vdisplay/cmd/vdisplay/vdisplay"
	"github.com/spf13/cobra"
)

func init() {
	simCmd.Flags().IntVarP(&frames, "frames", "n", 100, "Number of frames to drive")
	simCmd.Flags().StringVarP(&mode, "mode", "m", "gpu", "Composition mode (gpu, hwc, mixed)")
	simCmd.Flags().Uint32Var(&width, "width", 1920, "Display width")
	simCmd.Flags().Uint32Var(&height, "height", 1080, "Display height")
	vdcmd.RootCmd.AddCommand(simCmd)
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Drive frames through an in-memory virtual display pipeline",
	Args:  cobra.NoArgs,
	Run:   sim,
}
var frames int
var mode string
var width uint32
var height uint32
