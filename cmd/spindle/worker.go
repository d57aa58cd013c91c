package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/spindle/pkg/api"
	"github.com/cuemby/spindle/pkg/config"
	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker [MASTER_URL]",
	Short: "Run a worker",
	Long: `Run a worker that offers its cores and memory to the masters.

Examples:
  # Register with a single master
  spindle worker spindle://master:7077 --cores 8 --memory 16384

  # Register with an HA pair
  spindle worker spindle://m1:7077,m2:7077 -c spindle.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorker,
}

func init() {
	addWorkerFlags(workerCmd)
}

func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "Interface to bind")
	cmd.Flags().Int("port", 0, "Port to listen on (0 picks a free port)")
	cmd.Flags().Int("cores", 0, "Cores offered to applications")
	cmd.Flags().Int("memory", 0, "Memory offered to applications, in MB")
	cmd.Flags().String("work-dir", "", "Directory for application and driver files")
	cmd.Flags().String("health-addr", "", "Address for HTTP health and metrics")
}

func applyWorkerFlags(cmd *cobra.Command, args []string, cfg *config.Config) {
	// a worker picks a free port unless told otherwise
	cfg.RPC.Port = 0

	flags := cmd.Flags()
	if len(args) == 1 {
		cfg.Worker.Masters = args[0]
	}
	if flags.Changed("host") {
		cfg.RPC.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.RPC.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cores") {
		cfg.Worker.Cores, _ = flags.GetInt("cores")
	}
	if flags.Changed("memory") {
		cfg.Worker.MemoryMB, _ = flags.GetInt("memory")
	}
	if flags.Changed("work-dir") {
		cfg.Worker.WorkDir, _ = flags.GetString("work-dir")
	}
	if flags.Changed("health-addr") {
		cfg.Health.HTTPAddr, _ = flags.GetString("health-addr")
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyWorkerFlags(cmd, args, cfg)
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Init(cfg.Log)
	logger := log.WithComponent("main")

	wc, err := cfg.WorkerConfig()
	if err != nil {
		return err
	}

	env, err := rpc.ListenTCP(cfg.RPC, messages.Codec{})
	if err != nil {
		return err
	}
	defer env.Shutdown()

	w, err := worker.New(env, wc)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	ref, err := w.Start()
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.Info().
		Str("worker_id", w.ID()).
		Str("url", env.Address().URL()).
		Int("cores", wc.Cores).
		Int("memory_mb", wc.MemoryMB).
		Msg("Worker started")

	ctx, cancel := signalContext()
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Health.HTTPAddr != "" {
		hs := api.NewHealthServer(Version)
		hs.AddCheck("worker", api.WorkerCheck(ref))
		g.Go(func() error { return hs.Start(cfg.Health.HTTPAddr) })
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		select {
		case err := <-w.Failures():
			return err
		case <-ctx.Done():
			return nil
		}
	})

	<-ctx.Done()
	logger.Info().Msg("Shutting down worker")
	w.Stop()
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
