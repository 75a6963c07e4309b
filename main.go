package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/krshsl/interviewcoach/backend/repository"
	"github.com/krshsl/interviewcoach/backend/services"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "interviewcoach",
		Short:         "Voice mock interview backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	serve := newServeCmd()
	root.AddCommand(serve)
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newSimulateCmd())

	// bare invocation serves
	root.RunE = serve.RunE
	return root
}

// loadConfig reads configuration and installs the JSON logger.
func loadConfig() *services.Config {
	setupLogger("info")
	cfg := services.LoadConfig()
	setupLogger(cfg.Log.Level)
	return cfg
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := loadConfig()
			backend, cleanup, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if cfg.Database.Seed {
				if _, err := services.NewDatabaseSeeder(backend.Store).SeedDatabase(ctx); err != nil {
					slog.Error("Failed to seed database", "error", err)
				}
			}

			server := services.NewServer(cfg, backend)
			if err := server.InitializeServices(); err != nil {
				return fmt.Errorf("failed to initialize services: %w", err)
			}
			return server.Start(ctx)
		},
	}
	cmd.Flags().String("port", "", "port to listen on")
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			db, err := openDatabase(cfg.Database)
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			if err := repository.NewGORMRepository(db).AutoMigrate(); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			slog.Info("Database migrated")
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the demo user, documents and companies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			db, err := openDatabase(cfg.Database)
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			repo := repository.NewGORMRepository(db)
			if err := repo.AutoMigrate(); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			res, err := services.NewDatabaseSeeder(repo).SeedDatabase(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "seeded %s (%d companies)\n", services.DemoEmail, len(res.CompanyIDs))
			return nil
		},
	}
}

// openBackend connects to postgres when a database URL is configured and
// falls back to in-memory storage otherwise.
func openBackend(ctx context.Context, cfg *services.Config) (services.Backend, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory storage")
		repo := repository.NewMemoryRepository()
		return services.Backend{Store: repo, Threads: repo, Locker: repository.NewMemoryLocker()}, func() {}, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return services.Backend{}, nil, err
	}
	repo := repository.NewGORMRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		closeDatabase(db)
		return services.Backend{}, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		closeDatabase(db)
		return services.Backend{}, nil, fmt.Errorf("failed to open lock pool: %w", err)
	}
	slog.Info("Connected to database")

	cleanup := func() {
		pool.Close()
		closeDatabase(db)
	}
	return services.Backend{
		Store:   repo,
		Threads: repository.NewConversationRepository(db),
		Locker:  repository.NewPGLocker(pool),
	}, cleanup, nil
}

func openDatabase(cfg services.DatabaseConfig) (*gorm.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}
