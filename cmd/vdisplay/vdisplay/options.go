package vdisplay

import (
	"os"

	"github.com/openmirror/vdisplay"
	"github.com/openmirror/vdisplay/cfg"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// LoadOptions builds the pipeline profile and instrument from the optional
// --config yaml file. The file carries a "profile" section of overrides and
// an "instrument" section with "name" and "config".
func LoadOptions() (*vdisplay.Profile, vdisplay.Instrument, error) {
	p := vdisplay.NewBaselineProfile()
	instrumentName := "nil"
	instrumentConfig := make(map[string]interface{})

	if ConfigPath != "" {
		data, err := os.ReadFile(ConfigPath)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "error reading config [%s]", ConfigPath)
		}
		raw := make(map[interface{}]interface{})
		if err := yaml.Unmarshal(data, raw); err != nil {
			return nil, nil, errors.Wrapf(err, "error parsing config [%s]", ConfigPath)
		}
		config := cfg.MapIToMapS(raw)

		if v, found := config["profile"]; found {
			overrides, ok := v.(map[string]interface{})
			if !ok {
				return nil, nil, errors.New("invalid 'profile' section")
			}
			if err := p.Load(overrides); err != nil {
				return nil, nil, err
			}
		}
		if v, found := config["instrument"]; found {
			section, ok := v.(map[string]interface{})
			if !ok {
				return nil, nil, errors.New("invalid 'instrument' section")
			}
			if name, found := section["name"]; found {
				instrumentName, ok = name.(string)
				if !ok {
					return nil, nil, errors.New("invalid instrument name")
				}
			}
			if c, found := section["config"]; found {
				instrumentConfig, ok = c.(map[string]interface{})
				if !ok {
					return nil, nil, errors.New("invalid instrument config")
				}
			}
		}
	}

	if ConfigDump {
		logrus.Info(p.Dump())
	}

	i, err := vdisplay.NewInstrument(instrumentName, instrumentConfig)
	if err != nil {
		return nil, nil, err
	}
	return p, i, nil
}
