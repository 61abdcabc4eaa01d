package main

import (
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/worker/core"
	"github.com/nemanja-m/quincy/internal/worker/service"
)

func buildAgentCommand() *cobra.Command {
	var (
		masterAddr string
		cfg        service.AgentConfig
		loadFile   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Keep a worker server registered with the master",
		Long: `Agent registers a worker server with the master and heartbeats on its
behalf. When --load-file is set, the integer in that file is reported as
the worker's load on every heartbeat.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(os.Stderr, logging.ParseLevel(logLevel), "json")

			client, closeFn := newMasterClient(masterAddr)
			defer closeFn()

			var load core.LoadReporter
			if loadFile != "" {
				load = fileLoad(loadFile)
			}
			agent, err := service.NewMembershipAgent(client, load, cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Agent started", "master", masterAddr, "worker", cfg.Name, "address", cfg.Address)
			if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("Agent stopped")
			return nil
		},
	}

	hostname, _ := os.Hostname()
	cmd.Flags().StringVar(&masterAddr, "master", defaultMasterAddr, "master gRPC address")
	cmd.Flags().StringVar(&cfg.Name, "name", hostname, "worker name")
	cmd.Flags().StringVar(&cfg.Address, "addr", ":7000", "worker gRPC address, host is taken from the connection when omitted")
	cmd.Flags().Uint32Var(&cfg.CPUCores, "cpus", uint32(runtime.NumCPU()), "CPU cores offered by the worker")
	cmd.Flags().DurationVar(&cfg.HeartbeatInterval, "interval", 5*time.Second, "heartbeat interval when the master does not set one")
	cmd.Flags().StringVar(&loadFile, "load-file", "", "file holding the worker's current load")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	return cmd
}

// fileLoad reads the load from path, 0 when the file is missing or malformed.
func fileLoad(path string) core.LoadFunc {
	return func() int {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0
		}
		return n
	}
}
