package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/db"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/journal"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/lock"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/session"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/tokens"
	"gorm.io/gorm"
)

// app bundles the stores every subcommand works against.
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	log        *slog.Logger
	sessions   *session.Store
	ledger     *tokens.Ledger
	journal    *journal.Journal
	deliveries *delivery.Tracker
	locks      *lock.Coordinator
}

// loadApp loads config, connects to the store and builds the components.
func loadApp(cmd *cobra.Command, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	return newApp(cfg, gdb, newLogger(cmd)), nil
}

func newApp(cfg *config.Config, gdb *gorm.DB, log *slog.Logger) *app {
	return &app{
		cfg:        cfg,
		db:         gdb,
		log:        log,
		sessions:   session.New(gdb, cfg.Session, session.WithLogger(log)),
		ledger:     tokens.NewLedger(gdb),
		journal:    journal.New(gdb, log),
		deliveries: delivery.NewTracker(gdb, cfg.Delivery),
		locks:      lock.New(gdb, lock.WithLease(cfg.Maintenance.LockLease), lock.WithLogger(log)),
	}
}

func (a *app) close() {
	if err := db.Close(a.db); err != nil {
		a.log.Warn("close database", "error", err)
	}
}

// newLogger writes structured logs to the command's stderr.
func newLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to ssa config file")
}
