package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sessiond/sessiond/api/pkg/cgroups"
	"github.com/sessiond/sessiond/api/pkg/config"
	"github.com/sessiond/sessiond/api/pkg/manager"
	"github.com/sessiond/sessiond/api/pkg/server"
)

var (
	logLevel   string
	runtimeDir string
	agentSock  string
	noBus      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Seat, session and power-inhibitor tracking daemon",
		Long: `sessiond tracks hardware seats, login sessions and users, and
arbitrates shutdown/suspend through a cooperative inhibitor protocol.
Clients talk to it over the system bus; session and inhibitor state is
persisted across daemon restarts.`,
		Run: run,
	}

	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&runtimeDir, "runtime-dir", "", "Runtime state directory (env: SESSIOND_RUNTIME_DIR)")
	rootCmd.Flags().StringVar(&agentSock, "cgroup-agent-socket", "", "cgroup agent socket path (env: SESSIOND_CGROUP_AGENT_SOCKET)")
	rootCmd.Flags().BoolVar(&noBus, "no-bus", false, "Run without the system bus surface (testing)")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("failed to execute command")
	}
}

func run(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if runtimeDir != "" {
		cfg.RuntimeDir = runtimeDir
	}
	if agentSock != "" {
		cfg.CgroupAgentSocket = agentSock
	}

	log.Info().
		Str("runtime_dir", cfg.RuntimeDir).
		Str("cgroup_agent_socket", cfg.CgroupAgentSocket).
		Str("handle_lid_switch", string(cfg.HandleLidSwitch)).
		Str("idle_action", string(cfg.IdleAction)).
		Msg("starting sessiond")

	m := manager.New(cfg)
	m.Restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := cgroups.NewAgentListener(cfg.CgroupAgentSocket, m.NotifyCgroupEmpty)
	if err := agent.Start(); err != nil {
		log.Warn().Err(err).Msg("cgroup agent socket unavailable, continuing without it")
	} else {
		defer agent.Close()
	}

	var bus *server.BusServer
	if !noBus {
		bus = server.New(m)
		if err := bus.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start bus surface")
		}
		defer bus.Close()
	}

	stop := make(chan struct{})
	go m.RunIdleActionLoop(stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	close(stop)
	cancel()

	m.SaveAll()
	log.Info().Msg("sessiond stopped")
}
