// Command attend is the service binary. Subcommands run the API server,
// the dispatcher, one per-bot worker, and the webhook delivery pool;
// process launches re-execute this binary with run-worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/notewell/attend/pkg/adapter"
	"github.com/notewell/attend/pkg/api"
	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/controller"
	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/dispatcher"
	"github.com/notewell/attend/pkg/launcher"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/metrics"
	"github.com/notewell/attend/pkg/services"
	"github.com/notewell/attend/pkg/storage"
	"github.com/notewell/attend/pkg/uploader"
	"github.com/notewell/attend/pkg/webhook"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "attend",
		Short:         "Meeting bot orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Missing .env is fine; production configures the environment.
			_ = godotenv.Load()
			setupLogging()
		},
	}

	root.AddCommand(
		newServeAPICmd(),
		newRunDispatcherCmd(),
		newRunWorkerCmd(),
		newRunWebhookDeliveryCmd(),
		newMigrateCmd(),
	)
	return root
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openDatabase(ctx context.Context) (*database.Client, error) {
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return database.NewClient(ctx, dbCfg)
}

func newServeAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-api",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := storage.New(ctx, cfg.Storage)
			if err != nil {
				return err
			}

			deps := api.Deps{
				Projects:      services.NewProjectService(db),
				Bots:          services.NewBotService(db, lifecycle.NewEngine(db)),
				Recordings:    services.NewRecordingService(db),
				Participants:  services.NewParticipantService(db),
				Utterances:    services.NewUtteranceService(db),
				Chats:         services.NewChatService(db),
				Subscriptions: services.NewSubscriptionService(db),
				Store:         store,
			}
			if cfg.Credits.EncryptionKey != "" {
				creds, err := services.NewCredentialService(db, cfg.Credits.EncryptionKey)
				if err != nil {
					return err
				}
				deps.Credentials = creds
			}

			metrics.NewDefault()
			return api.NewServer(cfg.API, deps).Run(ctx)
		},
	}
}

func newRunDispatcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-dispatcher",
		Short: "Run the scheduler, launcher, and heartbeat janitor loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			l, err := launcher.New(cfg.Dispatcher)
			if err != nil {
				return err
			}
			enqueuer := webhook.NewEnqueuer(db, services.NewSubscriptionService(db))
			d := dispatcher.New(db, cfg.Dispatcher, l,
				services.NewCreditService(db), enqueuer, metrics.NewDefault())
			return d.Run(ctx)
		},
	}
}

func newRunWorkerCmd() *cobra.Command {
	var botID string
	cmd := &cobra.Command{
		Use:   "run-worker",
		Short: "Run one bot from staged to a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			store, err := storage.New(ctx, cfg.Storage)
			if err != nil {
				return err
			}

			deps := controller.Deps{
				DB:            db,
				Worker:        cfg.Worker,
				Transcription: cfg.Transcription,
				Engine:        lifecycle.NewEngine(db),
				Adapters:      adapter.DefaultRegistry(adapterHelperBinary()),
				Recordings:    services.NewRecordingService(db),
				Participants:  services.NewParticipantService(db),
				Utterances:    services.NewUtteranceService(db),
				Chats:         services.NewChatService(db),
				Credits:       services.NewCreditService(db),
				Enqueuer:      webhook.NewEnqueuer(db, services.NewSubscriptionService(db)),
				Metrics:       metrics.NewDefault(),
			}
			deps.Uploader = uploader.New(store, deps.Recordings, deps.Metrics)
			if cfg.Credits.EncryptionKey != "" {
				creds, err := services.NewCredentialService(db, cfg.Credits.EncryptionKey)
				if err != nil {
					return err
				}
				deps.Credentials = creds
			}

			return controller.New(deps).Run(ctx, botID)
		},
	}
	cmd.Flags().StringVar(&botID, "bot-id", "", "internal id of the bot to run")
	_ = cmd.MarkFlagRequired("bot-id")
	return cmd
}

func newRunWebhookDeliveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-webhook-delivery",
		Short: "Run the webhook delivery worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			return webhook.NewEngine(db, cfg.Webhook, metrics.NewDefault()).Run(ctx)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			// NewClient applies embedded migrations on connect.
			db, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			slog.Info("Migrations applied")
			return nil
		},
	}
}

// adapterHelperBinary locates the per-platform meeting helper executed
// by the exec adapter.
func adapterHelperBinary() string {
	if v := os.Getenv("WORKER_ADAPTER_HELPER"); v != "" {
		return v
	}
	return "attend-meeting-helper"
}
