package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wainbox/broker"
	"wainbox/config"
	"wainbox/db"
	"wainbox/ingest"
	"wainbox/router"
	"wainbox/storage"
	"wainbox/workers"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

var (
	configPath string
	conf       *config.Configuration
)

func main() {
	root := &cobra.Command{
		Use:           "wainbox",
		Short:         "WhatsApp webhook ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if conf, err = config.Load(configPath); err != nil {
				return err
			}
			if err := config.InitLogger(conf.Log); err != nil {
				return err
			}
			return conf.Validate(cmd.Name())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = zap.L().Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.json)")
	root.AddCommand(serveCmd(), migrateCmd(), syncContactsCmd())

	if err := root.Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Stderr.WriteString(eris.ToString(err, false) + "\n")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and the event processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			pipeline, publisher, err := buildPipeline(database)
			if err != nil {
				return err
			}
			defer publisher.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			processor := workers.NewProcessor(database, pipeline, conf.Worker)
			processor.Start(ctx)

			if conf.Log.Format != "console" {
				gin.SetMode(gin.ReleaseMode)
			}
			r := gin.New()
			router.Initialize(r, *conf, database, processor)

			srv := &http.Server{
				Addr:              ":" + conf.ApiPort,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				zap.L().Info("wainbox listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return eris.Wrap(err, "serve: listen")
			case <-ctx.Done():
			}

			zap.L().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("serve: shutdown", zap.Error(err))
			}
			processor.Wait()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			zap.L().Info("migrations applied")
			return nil
		},
	}
}

func syncContactsCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "sync-contacts",
		Short: "Refresh photos, names and last messages of a tenant's contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			contacts := ingest.NewContactUpdater(database)
			providers := ingest.NewProviders(database, conf.Provider)
			report, err := ingest.NewContactSync(database, providers, contacts, conf.Sync.Concurrency).
				SyncTenant(cmd.Context(), tenantID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func openDB() (*gorm.DB, error) {
	database, err := db.Connect(conf)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func buildPipeline(database *gorm.DB) (*ingest.Pipeline, broker.Publisher, error) {
	store, err := storage.NewFSStore(conf.Storage.Root, conf.Storage.PublicBaseURL)
	if err != nil {
		return nil, nil, err
	}

	var publisher broker.Publisher = broker.Noop{}
	if conf.Broker.URL != "" {
		if publisher, err = broker.New(conf.Broker.URL, conf.Broker.Exchange); err != nil {
			return nil, nil, err
		}
	}

	providers := ingest.NewProviders(database, conf.Provider)
	pipeline := ingest.NewPipeline(ingest.PipelineDeps{
		DB:         database,
		Directory:  ingest.NewDirectory(database),
		Identity:   ingest.NewIdentityResolver(database, providers, conf.Provider.Timeout()),
		Media:      ingest.NewMediaFetcher(store, conf.Provider.MediaTimeout()),
		Messages:   ingest.NewMessageStore(database),
		Contacts:   ingest.NewContactUpdater(database),
		Providers:  providers,
		Publisher:  publisher,
		RoutingKey: conf.Broker.RoutingKey,
	})
	return pipeline, publisher, nil
}
