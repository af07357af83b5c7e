package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/G-Research/Pulp-manager/pkg/api"
	"github.com/G-Research/Pulp-manager/pkg/auth"
	"github.com/G-Research/Pulp-manager/pkg/config"
	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/metrics"
	"github.com/G-Research/Pulp-manager/pkg/queue"
	"github.com/G-Research/Pulp-manager/pkg/storage"
	"github.com/G-Research/Pulp-manager/pkg/taskmanager"
	"github.com/G-Research/Pulp-manager/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pulp-manager",
	Short: "Pulp Manager - fleet orchestrator for Pulp content servers",
	Long: `Pulp Manager orchestrates a fleet of Pulp content servers: it keeps a
local inventory of their repositories, syncs repo groups on cron
schedules, takes snapshots, removes repos and content, and exposes a
control-plane API over the lot.

The three processes share one config file:

  server     control-plane HTTP API and metrics
  worker     runs queued repo workflows
  scheduler  materializes due cron schedules into jobs`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Pulp Manager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (defaults to $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(registerCmd)
}

// setup loads the config and opens the store and queue broker shared by
// every process.
func setup() (*config.Config, storage.Store, *queue.Broker, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, nil, err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	broker := queue.NewBroker(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))

	return cfg, store, broker, nil
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control-plane API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, broker, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		authManager, err := auth.NewManager(cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth setup failed (is JWT_SECRET set?): %w", err)
		}

		jobs := taskmanager.NewJobManager(store, broker, cfg)
		inspector := queue.NewInspector(broker)

		collector := metrics.NewCollector(store, inspector)
		collector.Start()
		defer collector.Stop()

		apiServer := api.NewServer(store, jobs, inspector, authManager, nil, cfg)
		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start(cfg.Server.ListenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return apiServer.Stop(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a workflow worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, broker, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		jobs := taskmanager.NewJobManager(store, broker, cfg)
		runner := worker.New(store, broker, jobs, cfg)
		runner.Start()

		waitForShutdown()
		runner.Stop()
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the cron scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, broker, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		jobs := taskmanager.NewJobManager(store, broker, cfg)
		scheduler := queue.NewScheduler(broker, jobs.FireSchedule,
			time.Duration(cfg.Scheduler.PollIntervalSec)*time.Second)
		scheduler.Start()

		waitForShutdown()
		scheduler.Stop()
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Queue a repo config registration run",
	Long: `Queues a task that applies the declarative sync config: repo groups,
pulp servers, their group registrations and cron schedules. A worker
must be running to pick the task up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, broker, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		jobs := taskmanager.NewJobManager(store, broker, cfg)
		task, err := jobs.QueueRepoConfigRegistration(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("queued task %d: %s\n", task.ID, task.Name)
		return nil
	},
}
