package influx

import (
	vdcmd "github.com/openmirror/vdisplay/cmd/vdisplay/vdisplay"
	"github.com/spf13/cobra"
)

func init() {
	influxCmd.PersistentFlags().StringVarP(&influxDbUrl, "url", "", "http://localhost:8086", "InfluxDB URL")
	influxCmd.PersistentFlags().StringVarP(&influxDbUsername, "username", "", "", "InfluxDB Username")
	influxCmd.PersistentFlags().StringVarP(&influxDbPassword, "password", "", "", "InfluxDB Password")
	influxCmd.PersistentFlags().StringVarP(&influxDbDatabase, "database", "", "vdisplay", "InfluxDB Database")
	vdcmd.RootCmd.AddCommand(influxCmd)
}

var influxCmd = &cobra.Command{
	Use:   "influx",
	Short: "Manage the analyzer data in InfluxDB",
}
var influxDbUrl string
var influxDbUsername string
var influxDbPassword string
var influxDbDatabase string

var datasets = []string{
	"frames_begun",
	"frames_prepared",
	"frames_advanced",
	"frames_committed",
	"sink_queued",
	"sink_dequeued",
	"buffers_attached",
	"buffers_cancelled",
	"slot_hits",
	"slot_misses",
	"slot_evictions",
	"tasks_submitted",
	"tasks_dropped",
	"frozen_events",
	"allocations",
}
