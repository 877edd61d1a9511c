package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/jgiriboy/NeuPIMs/sim"
)

var (
	// CLI flags for the memory spec
	dramChannels   int // Number of DRAM channels (1 GiB each)
	dramPageSize   int // DRAM page size in bytes
	dramBanksPerCh int // Banks per DRAM channel
	precision      int // Bytes per element

	// CLI flags for the model
	modelNHead   int // Attention head count
	modelNEmbd   int // Embedding width
	nTP          int // Tensor parallelism degree
	modelParamsB int // Parameter count in billions

	// CLI flags for scheduling
	subBatchMode    string // "2-way" or "3-way"
	chLoadBalancing bool   // Channel placement by accumulated MHA latency
	maxBatchSize    int    // Max requests considered per allocation pass
	maxActiveReqs   int    // Max concurrently active requests
	justOneStage    bool   // Debug: force Finish after any stage completion

	// CLI flags for the run
	logLevel       string // Log verbosity level
	logDir         string // Directory for per-stage and per-operation stats
	horizon        int64  // Cycle budget (0 = unbounded)
	configFilePath string // Optional YAML config file; changed flags override
	resultsPath    string // File to save run metrics to

	// Workload flags
	numRequests int // Number of synthetic requests
	inputSize   int // Prompt length per request
	outputSize  int // Output tokens per request
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "neupims",
	Short: "Cycle-driven simulator for a heterogeneous SA + PIM inference accelerator",
}

// runCmd executes the simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the accelerator simulation",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := sim.SimConfig{
			DRAMChannels:    dramChannels,
			DRAMPageSizeB:   dramPageSize,
			DRAMBanksPerCh:  dramBanksPerCh,
			PrecisionBytes:  precision,
			ModelNHead:      modelNHead,
			ModelNEmbd:      modelNEmbd,
			NTP:             nTP,
			ModelParamsB:    modelParamsB,
			Mode:            sim.SubBatchMode(subBatchMode),
			ChLoadBalancing: chLoadBalancing,
			MaxBatchSize:    maxBatchSize,
			MaxActiveReqs:   maxActiveReqs,
			LogDir:          logDir,
		}

		// A YAML config file provides defaults; changed CLI flags override.
		if configFilePath != "" {
			fileCfg, err := sim.LoadSimConfig(configFilePath)
			if err != nil {
				logrus.Fatalf("Failed to load config: %v", err)
			}
			overlayFlags(cmd, &fileCfg)
			cfg = fileCfg
		}

		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		if numRequests < 1 {
			logrus.Fatalf("--num-requests must be >= 1, got %d", numRequests)
		}

		logrus.Infof("Starting simulation: mode=%s channels=%d page=%dB banks=%d n_embd=%d n_head=%d",
			cfg.Mode, cfg.DRAMChannels, cfg.DRAMPageSizeB, cfg.DRAMBanksPerCh,
			cfg.ModelNEmbd, cfg.ModelNHead)

		simulator, err := sim.NewSimulator(cfg, horizon)
		if err != nil {
			logrus.Fatalf("Failed to create simulator: %v", err)
		}
		simulator.Scheduler().JustOneStage = justOneStage
		simulator.Launch(sim.NewModel("gpt", cfg))

		for i := 0; i < numRequests; i++ {
			simulator.AddRequest(sim.NewInferRequest(i, inputSize, outputSize))
		}

		metrics := simulator.Run()
		simulator.Scheduler().PrintStat()
		if err := simulator.Scheduler().WriteStats(); err != nil {
			logrus.Warnf("Failed to write stage stats: %v", err)
		}

		logrus.Infof("Completed %d/%d requests in %d cycles",
			metrics.CompletedRequests, numRequests, metrics.SimEndedCycle)

		if resultsPath != "" {
			if err := metrics.SaveResults(resultsPath); err != nil {
				logrus.Fatalf("Failed to save results: %v", err)
			}
			logrus.Infof("Results saved to %s", resultsPath)
		}
	},
}

// overlayFlags copies explicitly set CLI flags over a file-loaded config.
func overlayFlags(cmd *cobra.Command, cfg *sim.SimConfig) {
	if cmd.Flags().Changed("channels") {
		cfg.DRAMChannels = dramChannels
	}
	if cmd.Flags().Changed("page-size") {
		cfg.DRAMPageSizeB = dramPageSize
	}
	if cmd.Flags().Changed("banks-per-ch") {
		cfg.DRAMBanksPerCh = dramBanksPerCh
	}
	if cmd.Flags().Changed("precision") {
		cfg.PrecisionBytes = precision
	}
	if cmd.Flags().Changed("n-head") {
		cfg.ModelNHead = modelNHead
	}
	if cmd.Flags().Changed("n-embd") {
		cfg.ModelNEmbd = modelNEmbd
	}
	if cmd.Flags().Changed("tp") {
		cfg.NTP = nTP
	}
	if cmd.Flags().Changed("model-params-b") {
		cfg.ModelParamsB = modelParamsB
	}
	if cmd.Flags().Changed("mode") {
		cfg.Mode = sim.SubBatchMode(subBatchMode)
	}
	if cmd.Flags().Changed("ch-load-balancing") {
		cfg.ChLoadBalancing = chLoadBalancing
	}
	if cmd.Flags().Changed("max-batch-size") {
		cfg.MaxBatchSize = maxBatchSize
	}
	if cmd.Flags().Changed("max-active-reqs") {
		cfg.MaxActiveReqs = maxActiveReqs
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.LogDir = logDir
	}
}

func init() {
	runCmd.Flags().IntVar(&dramChannels, "channels", 32, "Number of DRAM channels (1 GiB each)")
	runCmd.Flags().IntVar(&dramPageSize, "page-size", 512, "DRAM page size in bytes")
	runCmd.Flags().IntVar(&dramBanksPerCh, "banks-per-ch", 16, "Banks per DRAM channel")
	runCmd.Flags().IntVar(&precision, "precision", 2, "Bytes per element")

	runCmd.Flags().IntVar(&modelNHead, "n-head", 32, "Attention head count")
	runCmd.Flags().IntVar(&modelNEmbd, "n-embd", 4096, "Embedding width")
	runCmd.Flags().IntVar(&nTP, "tp", 1, "Tensor parallelism degree")
	runCmd.Flags().IntVar(&modelParamsB, "model-params-b", 7, "Parameter count in billions")

	runCmd.Flags().StringVar(&subBatchMode, "mode", "2-way", "Sub-batch schedule: 2-way or 3-way")
	runCmd.Flags().BoolVar(&chLoadBalancing, "ch-load-balancing", false, "Place requests on the channel with the lowest accumulated MHA latency")
	runCmd.Flags().IntVar(&maxBatchSize, "max-batch-size", sim.DefaultMaxBatchSize, "Max requests considered per allocation pass")
	runCmd.Flags().IntVar(&maxActiveReqs, "max-active-reqs", sim.DefaultMaxActiveReqs, "Max concurrently active requests")
	runCmd.Flags().BoolVar(&justOneStage, "just-one-stage", false, "Debug: force Finish after any stage completion")

	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log verbosity level")
	runCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for per-stage and per-operation stats")
	runCmd.Flags().Int64Var(&horizon, "horizon", 0, "Cycle budget, 0 means run to completion")
	runCmd.Flags().StringVar(&configFilePath, "config", "", "YAML config file; changed CLI flags override its values")
	runCmd.Flags().StringVar(&resultsPath, "results", "", "File to save run metrics to")

	runCmd.Flags().IntVar(&numRequests, "num-requests", 1, "Number of synthetic requests")
	runCmd.Flags().IntVar(&inputSize, "input-size", 128, "Prompt length per request")
	runCmd.Flags().IntVar(&outputSize, "output-size", 32, "Output tokens per request")

	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
