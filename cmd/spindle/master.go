package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/spindle/pkg/api"
	"github.com/cuemby/spindle/pkg/config"
	"github.com/cuemby/spindle/pkg/election"
	"github.com/cuemby/spindle/pkg/log"
	"github.com/cuemby/spindle/pkg/master"
	"github.com/cuemby/spindle/pkg/messages"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/storage"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run a master",
	Long: `Run a master. With recovery mode FILESYSTEM the registry survives a
restart; with RAFT several masters elect a leader and the standby ones take
over when it fails.

Examples:
  # Single master on the default port
  spindle master

  # One of three HA masters
  spindle master -c spindle.yaml --recovery-mode RAFT --raft-node-id m1`,
	RunE: runMaster,
}

func init() {
	addMasterFlags(masterCmd)
}

func addMasterFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "Interface to bind")
	cmd.Flags().Int("port", 0, "Port to listen on")
	cmd.Flags().String("recovery-mode", "", "Recovery mode (NONE, FILESYSTEM, RAFT)")
	cmd.Flags().String("data-dir", "", "Directory for the persisted registry")
	cmd.Flags().String("raft-node-id", "", "Raft node id")
	cmd.Flags().String("raft-bind-addr", "", "Address for raft communication")
	cmd.Flags().String("health-addr", "", "Address for HTTP health and metrics")
	cmd.Flags().String("grpc-addr", "", "Address for the gRPC health service")
}

func applyMasterFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.RPC.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.RPC.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("recovery-mode") {
		mode, _ := flags.GetString("recovery-mode")
		cfg.Master.RecoveryMode = config.RecoveryMode(mode)
	}
	if flags.Changed("data-dir") {
		cfg.Master.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("raft-node-id") {
		cfg.Master.Raft.NodeID, _ = flags.GetString("raft-node-id")
	}
	if flags.Changed("raft-bind-addr") {
		cfg.Master.Raft.BindAddr, _ = flags.GetString("raft-bind-addr")
	}
	if flags.Changed("health-addr") {
		cfg.Health.HTTPAddr, _ = flags.GetString("health-addr")
	}
	if flags.Changed("grpc-addr") {
		cfg.Health.GRPCAddr, _ = flags.GetString("grpc-addr")
	}
}

// recovery builds the persistence engine and election agent for the
// configured mode. The returned closer releases them after the master
// stopped.
func recovery(cfg *config.Config) (storage.PersistenceEngine, election.Agent, io.Closer, error) {
	switch cfg.Master.RecoveryMode {
	case config.RecoveryFilesystem:
		engine, err := storage.NewBoltEngine(cfg.Master.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return engine, election.MonarchyAgent{}, engine, nil
	case config.RecoveryRaft:
		local, err := storage.NewBoltEngine(cfg.Master.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		node, err := election.NewRaftNode(election.RaftConfig{
			NodeID:    cfg.Master.Raft.NodeID,
			BindAddr:  cfg.Master.Raft.BindAddr,
			DataDir:   cfg.Master.DataDir,
			Peers:     cfg.Master.Raft.Peers,
			LogOutput: io.Discard,
		}, local)
		if err != nil {
			local.Close()
			return nil, nil, nil, err
		}
		return node.Engine(), node, local, nil
	default:
		return storage.NoopEngine{}, election.MonarchyAgent{}, closerFunc(func() error { return nil }), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func runMaster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyMasterFlags(cmd, cfg)
	if err := cfg.ValidateMaster(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Init(cfg.Log)
	logger := log.WithComponent("main")

	engine, agent, closer, err := recovery(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up recovery: %w", err)
	}
	defer closer.Close()

	env, err := rpc.ListenTCP(cfg.RPC, messages.Codec{})
	if err != nil {
		return err
	}
	defer env.Shutdown()

	mc := cfg.MasterConfig()
	mc.Engine = engine
	mc.Agent = agent
	m, err := master.New(env, mc)
	if err != nil {
		return fmt.Errorf("failed to create master: %w", err)
	}
	ref, err := m.Start()
	if err != nil {
		return fmt.Errorf("failed to start master: %w", err)
	}
	logger.Info().
		Str("url", env.Address().URL()).
		Str("recovery_mode", string(cfg.Master.RecoveryMode)).
		Str("version", Version).
		Msg("Master started")

	collector := metrics.NewCollector(master.SnapshotSource(ref), 15*time.Second)
	collector.Start()
	defer collector.Stop()

	ctx, cancel := signalContext()
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Health.HTTPAddr != "" {
		hs := api.NewHealthServer(Version)
		hs.AddCheck("master", api.MasterCheck(ref))
		g.Go(func() error { return hs.Start(cfg.Health.HTTPAddr) })
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	if cfg.Health.GRPCAddr != "" {
		gs := api.NewServer()
		g.Go(func() error { return gs.Start(cfg.Health.GRPCAddr) })
		g.Go(func() error {
			gs.WatchLeadership(ctx, m.Broker(), api.MasterCheck(ref))
			gs.Stop()
			return nil
		})
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down master")
	if err := m.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Master did not stop cleanly")
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
