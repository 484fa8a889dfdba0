package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/torrential-sim/torrential/swarm"
)

// Define struct for YAML
type SwarmConfigFile struct {
	Presets map[string]SwarmPreset `yaml:"presets"`
}

// SwarmPreset is one named parameter set. Zero-valued fields keep whatever
// the CLI flags said; set fields override them.
type SwarmPreset struct {
	Peers      int     `yaml:"peers"`
	Chunks     int     `yaml:"chunks"`
	JoinProb   float64 `yaml:"join_prob"`
	LeaveProb  float64 `yaml:"leave_prob"`
	Upload     string  `yaml:"upload"`
	Download   string  `yaml:"download"`
	Freeriders int     `yaml:"freeriders"`

	DesiredPeerCount int `yaml:"desired_peer_count"`
	RefillThreshold  int `yaml:"refill_threshold"`
	ReorderEvery     int `yaml:"reorder_every"`
	UnchokeEvery     int `yaml:"unchoke_every"`
	ChurnEvery       int `yaml:"churn_every"`
}

// applyPreset loads the named preset from a YAML file and folds its set
// fields over cfg.
func applyPreset(cfg *swarm.Config, fs afero.Fs, path, name string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("unable to read config file: %v", err)
	}

	var file SwarmConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unable to parse config file: %v", err)
	}

	preset, ok := file.Presets[name]
	if !ok {
		return fmt.Errorf("no preset %q in %s", name, path)
	}
	logrus.Infof("Using preset %v", name)

	if preset.Peers != 0 {
		cfg.Peers = preset.Peers
	}
	if preset.Chunks != 0 {
		cfg.Chunks = preset.Chunks
	}
	if preset.JoinProb != 0 {
		cfg.JoinProb = preset.JoinProb
	}
	if preset.LeaveProb != 0 {
		cfg.LeaveProb = preset.LeaveProb
	}
	if preset.Upload != "" {
		if cfg.Upload, err = parseRange(preset.Upload); err != nil {
			return err
		}
	}
	if preset.Download != "" {
		if cfg.Download, err = parseRange(preset.Download); err != nil {
			return err
		}
	}
	if preset.Freeriders != 0 {
		cfg.Freeriders = preset.Freeriders
	}
	if preset.DesiredPeerCount != 0 {
		cfg.DesiredPeerCount = preset.DesiredPeerCount
	}
	if preset.RefillThreshold != 0 {
		cfg.RefillThreshold = preset.RefillThreshold
	}
	if preset.ReorderEvery != 0 {
		cfg.ReorderEvery = preset.ReorderEvery
	}
	if preset.UnchokeEvery != 0 {
		cfg.UnchokeEvery = preset.UnchokeEvery
	}
	if preset.ChurnEvery != 0 {
		cfg.ChurnEvery = preset.ChurnEvery
	}
	return nil
}
