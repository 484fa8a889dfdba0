package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/torrential-sim/torrential/swarm"
)

var (
	// CLI flags for the swarm shape
	numPeers    int     // Total peers in the simulation, seeder included
	numChunks   int     // Chunks in the complete torrent
	joinProb    float64 // Bernoulli probability a disconnected peer joins per tick
	leaveProb   float64 // Bernoulli probability a connected peer leaves per tick
	uploadStr   string  // Upload capacity range, "min,max" chunks per tick
	downloadStr string  // Download capacity range, "min,max" chunks per tick
	freeriders  int     // Peers that download but never upload

	// CLI flags for run control and output
	seed         int64  // Master RNG seed; 0 draws one from system entropy
	logLevel     string // Log verbosity level
	machine      bool   // Machine-readable event output
	tracePath    string // Write the event stream to this file instead of stdout
	snapshotPath string // Write a bencoded run snapshot to this file
	configPath   string // YAML preset file
	presetName   string // Preset to select from the config file
	maxTicks     int    // Stop after this many ticks even if unfinished; 0 = unbounded
	serial       bool   // Single-threaded transfer stages for reproducible runs
	workers      int    // Parallelism of the transfer stages; 0 = NumCPU
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "torrential",
	Short: "Discrete-time simulator for BitTorrent-style swarms",
}

// parseRange parses the "min,max" capacity syntax. A bare "n" means "n,n".
func parseRange(s string) (swarm.Range, error) {
	parts := strings.Split(s, ",")
	switch len(parts) {
	case 1:
		n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return swarm.Range{}, fmt.Errorf("invalid range %q: %v", s, err)
		}
		return swarm.Range{Min: n, Max: n}, nil
	case 2:
		lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return swarm.Range{}, fmt.Errorf("invalid range %q: %v", s, err)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return swarm.Range{}, fmt.Errorf("invalid range %q: %v", s, err)
		}
		return swarm.Range{Min: lo, Max: hi}, nil
	default:
		return swarm.Range{}, fmt.Errorf("invalid range %q: want \"min,max\"", s)
	}
}

// buildConfig folds flags and the optional YAML preset into a validated
// swarm config.
func buildConfig() (swarm.Config, error) {
	cfg := swarm.DefaultConfig()
	cfg.Peers = numPeers
	cfg.Chunks = numChunks
	cfg.JoinProb = joinProb
	cfg.LeaveProb = leaveProb
	cfg.Freeriders = freeriders
	cfg.Seed = seed
	cfg.Serial = serial
	cfg.Workers = workers

	var err error
	if cfg.Upload, err = parseRange(uploadStr); err != nil {
		return cfg, err
	}
	if cfg.Download, err = parseRange(downloadStr); err != nil {
		return cfg, err
	}

	if configPath != "" {
		if err := applyPreset(&cfg, afero.NewOsFs(), configPath, presetName); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

// runCmd executes the simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the swarm simulation",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := buildConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		fs := afero.NewOsFs()
		var out io.Writer = os.Stdout
		if tracePath != "" {
			f, err := fs.Create(tracePath)
			if err != nil {
				logrus.Fatalf("unable to open trace file: %v", err)
			}
			defer f.Close()
			out = f
		}

		var sink swarm.EventSink
		if machine {
			sink = swarm.NewMachineSink(out)
		} else {
			sink = swarm.NewHumanSink(out)
		}

		sim, err := swarm.NewSimulator(cfg, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		ticks, finished := sim.Run(maxTicks)
		if !finished {
			logrus.Fatalf("swarm did not finish within %d ticks", maxTicks)
		}

		if snapshotPath != "" {
			if err := sim.WriteSnapshot(fs, snapshotPath); err != nil {
				logrus.Fatalf("unable to write snapshot: %v", err)
			}
		}

		sim.Metrics().Print(os.Stdout, ticks)
		fmt.Printf("Finished in %d ticks (seconds)\n", ticks)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().IntVarP(&numPeers, "peers", "p", 0, "Peers in the simulation")
	runCmd.Flags().IntVarP(&numChunks, "chunks", "c", 0, "Chunks in the complete torrent")
	runCmd.Flags().Float64Var(&joinProb, "join-prob", 0.2, "Per-tick Bernoulli probability a disconnected peer joins")
	runCmd.Flags().Float64Var(&leaveProb, "leave-prob", 0.01, "Per-tick Bernoulli probability a connected peer leaves")
	runCmd.Flags().StringVar(&uploadStr, "upload", "10,10", "Upload capacity range, \"min,max\" chunks per tick")
	runCmd.Flags().StringVar(&downloadStr, "download", "100,100", "Download capacity range, \"min,max\" chunks per tick")
	runCmd.Flags().IntVar(&freeriders, "freeriders", 0, "Peers with zero upload capacity")

	runCmd.Flags().Int64Var(&seed, "seed", 0, "Master RNG seed (0 = from system entropy)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().BoolVar(&machine, "machine", false, "Machine-readable event output")
	runCmd.Flags().StringVar(&tracePath, "trace", "", "Write the event stream to a file instead of stdout")
	runCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Write a bencoded run snapshot to a file")
	runCmd.Flags().StringVar(&configPath, "config", "", "YAML preset file")
	runCmd.Flags().StringVar(&presetName, "preset", "default", "Preset to select from the config file")
	runCmd.Flags().IntVar(&maxTicks, "max-ticks", 0, "Stop after this many ticks even if unfinished (0 = unbounded)")
	runCmd.Flags().BoolVar(&serial, "serial", false, "Run the transfer stages single-threaded for reproducible runs")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Worker count for the transfer stages (0 = NumCPU)")

	_ = runCmd.MarkFlagRequired("peers")
	_ = runCmd.MarkFlagRequired("chunks")

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
