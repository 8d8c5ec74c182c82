package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/config"
	"github.com/MarcoPoloResearchLab/marginalia/internal/database"
	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
	"github.com/MarcoPoloResearchLab/marginalia/internal/jobs"
	"github.com/MarcoPoloResearchLab/marginalia/internal/locking"
	"github.com/MarcoPoloResearchLab/marginalia/internal/logging"
	"github.com/MarcoPoloResearchLab/marginalia/internal/server"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marginalia-api",
		Short: "Underlines and popular highlights service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the aggregation schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newAggregateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("redis-url", "", "Redis URL for aggregation locks")
	flags.String("aggregation-schedule", defaults.GetString("aggregation.schedule"), "Cron schedule for aggregation; empty disables")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "aggregation.schedule", "aggregation-schedule")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func newAggregateCommand() *cobra.Command {
	var bookType, bookID string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute popular highlights once and exit",
		Long:  "Recompute popular highlights for one book, or for every book with underlines when no book is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(cmd.Context(), bookType, bookID)
		},
	}
	cmd.Flags().StringVar(&bookType, "book-type", "", "Book type (ebook, magazine)")
	cmd.Flags().StringVar(&bookID, "book-id", "", "Book identifier")
	return cmd
}

// application holds the wired services shared by serve and aggregate.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	catalog    *catalog.Store
	underlines *underlines.Service
	locker     locking.Locker
	registry   *prometheus.Registry
	metrics    *highlights.Metrics
	closers    []func() error
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}

	app.db, err = database.Open(database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := app.db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	app.catalog, err = catalog.NewStore(app.db)
	if err != nil {
		app.close()
		return nil, err
	}
	app.underlines, err = underlines.NewService(underlines.ServiceConfig{
		Database: app.db,
		Catalog:  app.catalog,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}

	if appConfig.RedisURL != "" {
		redisLocker, err := locking.NewRedisLocker(appConfig.RedisURL, appConfig.Aggregation.LockTTL, logger)
		if err != nil {
			app.close()
			return nil, err
		}
		app.closers = append(app.closers, redisLocker.Close)
		app.locker = redisLocker
	} else {
		logger.Info("redis not configured, aggregation locks are process-local")
		app.locker = locking.NewLocalLocker()
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics, err = highlights.NewMetrics(app.registry)
	if err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) newAggregator(notifier highlights.Notifier) (*highlights.Aggregator, error) {
	return highlights.NewAggregator(highlights.AggregatorConfig{
		Database:    a.db,
		Underlines:  a.underlines,
		Catalog:     a.catalog,
		Locker:      a.locker,
		Notifier:    notifier,
		Metrics:     a.metrics,
		Clock:       time.Now,
		Logger:      a.logger,
		Concurrency: a.config.Aggregation.Concurrency,
	})
}

func (a *application) close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	realtime := server.NewRealtimeDispatcher()
	aggregator, err := app.newAggregator(realtime)
	if err != nil {
		return err
	}
	reader, err := highlights.NewReader(highlights.ReaderConfig{Database: app.db, Logger: logger})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.Auth.SigningSecret),
		Issuer:        app.config.Auth.Issuer,
		CookieName:    app.config.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Underlines:     app.underlines,
		Highlights:     reader,
		Aggregator:     aggregator,
		Catalog:        app.catalog,
		Realtime:       realtime,
		Metrics:        promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		AllowedOrigins: app.config.AllowedOrigins,
		RateLimit: server.RateLimit{
			WritesPerMinute: app.config.RateLimit.WritesPerMinute,
			Burst:           app.config.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Schedule: app.config.Aggregation.Schedule,
		Runner:   aggregator,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", app.config.HTTPAddress),
			zap.Bool("aggregation_scheduled", scheduler.Enabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("aggregation schedule did not drain", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = scheduler.Stop(shutdownCtx)
		return err
	}
}

func runAggregate(ctx context.Context, bookType, bookID string) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	aggregator, err := app.newAggregator(nil)
	if err != nil {
		return err
	}

	if bookType == "" && bookID == "" {
		batch, err := aggregator.RunAll(ctx)
		if err != nil {
			return err
		}
		app.logger.Info("aggregation batch finished",
			zap.Int("succeeded", len(batch.Results)),
			zap.Int("skipped", len(batch.Skipped)),
			zap.Int("failed", len(batch.Failures)))
		if len(batch.Failures) > 0 {
			return fmt.Errorf("aggregation failed for %d book(s)", len(batch.Failures))
		}
		return nil
	}

	book, err := catalog.NewBookRef(bookType, bookID)
	if err != nil {
		return err
	}
	result, err := aggregator.Run(ctx, book)
	if err != nil {
		return err
	}
	app.logger.Info("aggregation finished",
		zap.String("book", book.String()),
		zap.Int("materialized", result.Materialized),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("deleted", result.Deleted))
	return nil
}
