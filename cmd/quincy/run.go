package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/quincy/internal/coordinator/api/grpc"
	"github.com/nemanja-m/quincy/internal/coordinator/api/rest"
	"github.com/nemanja-m/quincy/internal/coordinator/job"
	"github.com/nemanja-m/quincy/internal/coordinator/service"
	"github.com/nemanja-m/quincy/internal/coordinator/storage"
	"github.com/nemanja-m/quincy/internal/shared/config"
	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/metrics"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

const shutdownTimeout = 30 * time.Second

func buildRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the master",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadMaster(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runMaster(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to master config file")
	return cmd
}

func runMaster(cfg *config.MasterConfig) error {
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	collector := metrics.NewCollector()

	pool := rpc.NewConnPool(cfg.GRPC.KeepaliveTime, cfg.GRPC.KeepaliveTimeout)
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("Failed to close worker connections", "error", err)
		}
	}()

	membership := storage.NewMembershipStore()
	workerService := service.NewWorkerService(membership, logger)
	healthChecker := service.NewWorkerHealthChecker(
		cfg.Health.CheckInterval,
		cfg.Health.StaleTimeout,
		workerService,
		collector,
		logger,
	)

	jobService := service.NewJobService(cfg.Engine, job.Deps{
		Membership: membership,
		Planner:    newPlanner(cfg.Engine),
		Workers:    rpc.NewWorkerClient(pool),
		Notifier:   rpc.NewConsoleClient(pool),
		Metrics:    collector,
		Logger:     logger,
	})

	master := cfg.GRPC.Advertise
	if master == "" {
		master = cfg.GRPC.Addr
	}
	grpcServer := grpc.NewServer(cfg.GRPC, jobService, workerService, logger)
	httpServer := rest.NewServer(cfg.REST, master, jobService, workerService, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go jobService.Run(ctx)
	go healthChecker.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		logger.Info("Starting REST API server", "addr", cfg.REST.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("REST server: %w", err)
		}
	}()

	logger.Info("Master started",
		"grpc_addr", cfg.GRPC.Addr,
		"rest_addr", cfg.REST.Addr,
		"max_jobs", cfg.Engine.MaxJobs,
		"planner", cfg.Engine.PlannerProgram,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down master")
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Jobs are aborted first so their cleanup still reaches the workers.
	if err := jobService.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Jobs did not stop in time", "error", err)
	}
	grpcServer.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("REST server forced to shutdown", "error", err)
	}

	logger.Info("Master stopped")
	return runErr
}

// newPlanner splits the configured planner command line into program and args.
func newPlanner(cfg config.EngineConfig) *job.ExecPlanner {
	fields := strings.Fields(cfg.PlannerProgram)
	p := &job.ExecPlanner{Timeout: cfg.PlannerTimeout}
	if len(fields) > 0 {
		p.Program = fields[0]
		p.Args = fields[1:]
	}
	return p
}
