package influx

import (
	"fmt"
	"path/filepath"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/openmirror/vdisplay/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	influxCmd.AddCommand(influxLoadCmd)
}

var influxLoadCmd = &cobra.Command{
	Use:   "load <metricsRoot>",
	Short: "Load metrics data into the analyzer",
	Args:  cobra.ExactArgs(1),
	Run:   influxLoad,
}

func influxLoad(_ *cobra.Command, args []string) {
	displays, err := util.DiscoverMetrics(args[0])
	if err != nil {
		logrus.Fatalf("error discovering metrics under [%s] (%v)", args[0], err)
	}

	authToken := ""
	if influxDbUsername != "" || influxDbPassword != "" {
		authToken = fmt.Sprintf("%s:%s", influxDbUsername, influxDbPassword)
	}
	client := influxdb2.NewClient(influxDbUrl, authToken)
	writeApi := client.WriteAPI("", influxDbDatabase)

	for root, metricsId := range displays {
		for _, dataset := range datasets {
			data, err := util.ReadSamples(filepath.Join(root, dataset+".csv"))
			if err != nil {
				logrus.Fatalf("error reading dataset [%s] for [%s] (%v)", dataset, metricsId.Id, err)
			}
			for ts, v := range data {
				t := time.Unix(0, ts)
				p := influxdb2.NewPoint(dataset, nil, map[string]interface{}{"v": v}, t).AddTag("display", metricsId.Id)
				writeApi.WritePoint(p)
			}
			logrus.Infof("wrote %d points for [%s] dataset [%s]", len(data), metricsId.Id, dataset)
		}
	}

	client.Close()
}
