package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vara-network/vara-core/pkg/gearlog"
	"github.com/vara-network/vara-core/pkg/monitoring"
)

var (
	configFile      string
	dataDir         string
	ephemeral       bool
	maxBlocks       uint64
	metricsPort     int
	healthPort      int
	genesisWasmFile string
	genesisSalt     string
	genesisInitHex  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "varanode",
		Short: "varanode - the Gear/Vara core execution runtime node",
		Long: `varanode drives the Gear/Vara core execution runtime: it loads WASM
programs, processes their queued dispatches block by block through the
Dispatch Processor, and exposes Prometheus metrics and a health endpoint
while it runs.`,
		RunE: runNode,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "page/KV storage directory (empty runs in-memory)")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "force in-memory page storage even if --data-dir is set")
	rootCmd.PersistentFlags().Uint64Var(&maxBlocks, "blocks", 0, "number of blocks to process before exiting (0 runs until interrupted)")
	rootCmd.PersistentFlags().IntVar(&metricsPort, "metrics-port", 0, "Prometheus metrics port (0 uses config/default)")
	rootCmd.PersistentFlags().IntVar(&healthPort, "health-port", 0, "health-check HTTP port (0 uses config/default)")
	rootCmd.PersistentFlags().StringVar(&genesisWasmFile, "genesis-wasm", "", "instrumented-eligible WASM file to deploy and initialize at startup")
	rootCmd.PersistentFlags().StringVar(&genesisSalt, "genesis-salt", "", "salt (hex or raw) for the genesis program's ActorId derivation")
	rootCmd.PersistentFlags().StringVar(&genesisInitHex, "genesis-init", "", "init dispatch payload (hex or raw) for the genesis program")

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the varanode version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("varanode (Gear/Vara core execution runtime)")
			return nil
		},
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := buildConfig()

	log := gearlog.New(&gearlog.Config{
		Level:   cfg.LogLevel,
		Service: "varanode",
		UseJSON: cfg.LogJSON,
		LogFile: cfg.LogFile,
	})
	log.Info("starting varanode")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := NewNode(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Error("failed to close page store: %v", err)
		}
	}()

	if cfg.GenesisWasmFile != "" {
		actorId, err := node.seedGenesisProgram(cfg.GenesisWasmFile, cfg.GenesisSalt, cfg.GenesisInitHex)
		if err != nil {
			return fmt.Errorf("seed genesis program: %w", err)
		}
		log.Info("deployed genesis program %s", actorId)
	}

	monCfg := cfg.Monitoring
	monService := monitoring.NewService(monCfg, nodeRuntime{node: node})
	if err := monService.Start(); err != nil {
		log.Error("failed to start monitoring service: %v", err)
	} else {
		log.Info("metrics endpoint: %s", monService.GetMetricsEndpoint())
		log.Info("health endpoint: %s", monService.GetHealthEndpoint())
	}

	blockTicker := time.NewTicker(time.Duration(cfg.BlockMillis) * time.Millisecond)
	defer blockTicker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var blocksRun uint64
	for {
		select {
		case <-sigChan:
			log.Info("shutting down varanode")
			cancel()
			if err := monService.Stop(); err != nil {
				log.Error("failed to stop monitoring service: %v", err)
			}
			return nil

		case <-blockTicker.C:
			if err := node.RunBlock(ctx); err != nil {
				log.Error("block processing failed: %v", err)
			}
			blocksRun++
			if cfg.MaxBlocks > 0 && blocksRun >= cfg.MaxBlocks {
				log.Info("reached configured block limit (%d), shutting down", cfg.MaxBlocks)
				cancel()
				if err := monService.Stop(); err != nil {
					log.Error("failed to stop monitoring service: %v", err)
				}
				return nil
			}
		}
	}
}
