package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"runtrack/internal/bus"
	"runtrack/internal/config"
	"runtrack/internal/controller"
	"runtrack/internal/events"
	"runtrack/internal/ingest"
	"runtrack/internal/observability"
	"runtrack/internal/revoke"
	"runtrack/internal/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "runtrack",
		Short:        "Track and cancel distributed workflow runs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	root.AddCommand(serveCmd(), revokeCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runEnv is the wiring shared by every subcommand.
type runEnv struct {
	cfg     *config.Config
	logger  *observability.Logger
	records *revoke.Store
	control *revoke.HTTPControlPlane
}

func buildEnv() (*runEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	storageDir := cfg.StorageDir
	if storageDir == "" {
		// Each run gets a fresh shared scope when none is configured.
		storageDir = filepath.Join(os.TempDir(), "runtrack", uuid.NewString())
		logger.Info("no storage_dir configured; using per-run scope", "dir", storageDir)
	}

	records, err := revoke.NewStore(filepath.Join(storageDir, "revoke_requests"), logger)
	if err != nil {
		return nil, err
	}

	return &runEnv{
		cfg:     cfg,
		logger:  logger,
		records: records,
		control: revoke.NewHTTPControlPlane(cfg.ControlPlaneURL, 10*time.Second),
	}, nil
}

func (env *runEnv) sweepConfig() revoke.SweepConfig {
	return revoke.SweepConfig{
		MaxRetries:    env.cfg.Revoke.MaxRetries,
		RetryPause:    time.Duration(env.cfg.Revoke.RetryPauseSeconds * float64(time.Second)),
		ConfirmWindow: time.Duration(env.cfg.Revoke.ConfirmWindowSeconds * float64(time.Second)),
		PollInterval:  time.Duration(env.cfg.Revoke.PollIntervalSeconds * float64(time.Second)),
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Follow a run's event stream and serve its live state",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv()
			if err != nil {
				return err
			}
			return serve(env)
		},
	}
}

func serve(env *runEnv) error {
	metrics, err := observability.NewMetrics("runtrack", nil)
	if err != nil {
		return err
	}

	tracker := controller.NewSyncTracker(events.NewAggregator(nil))
	ctl := controller.New(env.control, env.records, env.sweepConfig(), env.logger, metrics)

	svc, err := ingest.New(bus.NewWebsocketClient(env.cfg.BusURL), tracker, ingest.Options{
		MaxRetryAttempts: env.cfg.Ingest.MaxRetryAttempts,
		ReadyFile:        env.cfg.ReadyFile,
		AllComplete:      tracker.AllTasksComplete,
		Logger:           env.logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Host:       env.cfg.Server.Host,
		Port:       env.cfg.Server.Port,
		EnableCORS: env.cfg.Server.EnableCORS,
	}, tracker, ctl, env.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			env.logger.Info("shutdown signal received")
			svc.Stop()
			svc.Wait()
		case <-svc.Done():
		}

		// The stream is over one way or another. Stragglers get a synthetic
		// terminal state, and anything the control plane still reports
		// active gets revoked before we exit.
		if finishRun(tracker, metrics) {
			sweep(env, ctl)
		}

		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// finishRun folds synthetic terminal states into the tracker and reports
// whether the run ended with work unaccounted for. Completeness must be read
// before Finalize, which makes every projection terminal.
func finishRun(tracker *controller.SyncTracker, metrics *observability.Metrics) bool {
	incomplete := !tracker.IsRootComplete() || !tracker.AllTasksComplete()
	if stragglers := tracker.Finalize(); len(stragglers) > 0 {
		metrics.IncompleteSynthesized(len(stragglers))
	}
	return incomplete
}

func sweep(env *runEnv, ctl *controller.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	revoked, err := ctl.RevokeActiveTasks(ctx, revoke.Filter{}, nil)
	if err != nil {
		env.logger.Warn("revoke sweep incomplete", "revoked", len(revoked), "error", err)
		return
	}
	if len(revoked) > 0 {
		env.logger.Info("revoked lingering tasks", "count", len(revoked))
	}
}

func revokeCmd() *cobra.Command {
	var taskUUID, reason, user string
	var runScope bool

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Cancel a task and record the revocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskUUID == "" {
				return fmt.Errorf("--task is required")
			}
			env, err := buildEnv()
			if err != nil {
				return err
			}
			ctl := controller.New(env.control, env.records, env.sweepConfig(), env.logger, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			req, err := ctl.RevokeTask(ctx, taskUUID, reason, user, runScope)
			if err != nil {
				return err
			}
			fmt.Printf("revoke %s recorded (record id %s)\n", taskUUID, req.RecordID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskUUID, "task", "", "uuid of the task to revoke")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the revocation")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "requesting user")
	cmd.Flags().BoolVar(&runScope, "run", false, "revoke the whole run (root scope)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the run's revocation status from shared storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv()
			if err != nil {
				return err
			}
			latest, err := env.records.LoadLatestRootScope()
			if err != nil {
				return err
			}
			if latest == nil {
				fmt.Println("run has not been revoked")
				return nil
			}
			fmt.Println(latest.Description())
			if latest.Completed() {
				fmt.Printf("revoke completed at %s\n", latest.CompletionTime.Format(time.RFC3339))
			} else {
				fmt.Println("revoke still in progress")
			}
			return nil
		},
	}
}
