// Package app assembles the ledger from configuration. It is shared by the
// bot process and the ledgerctl maintenance CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/AIImageBot/internal/config"
	"github.com/digkill/AIImageBot/internal/database"
	"github.com/digkill/AIImageBot/internal/ledger"
	"github.com/digkill/AIImageBot/internal/repository"
)

// OpenLedger opens the configured backend, applies the MySQL schema when
// needed, and returns the ledger with a close function for the backend.
func OpenLedger(ctx context.Context, cfg config.Config, log *slog.Logger) (*ledger.Ledger, func() error, error) {
	store, closeFn, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	l := ledger.New(store, log,
		ledger.WithFreeCredits(cfg.FreeCredits),
		ledger.WithTimeout(cfg.LedgerTimeout),
	)
	return l, closeFn, nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (ledger.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		db, err := database.Connect(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("database connect: %w", err)
		}
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database migrate: %w", err)
		}
		log.Info("ledger backend ready", "driver", cfg.StoreDriver)
		return repository.NewMySQLStore(db), db.Close, nil
	case config.StoreBadger:
		st, err := repository.OpenBadger(repository.BadgerConfig{
			Path:       cfg.BadgerPath,
			SyncWrites: true,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("ledger backend ready", "driver", cfg.StoreDriver, "path", cfg.BadgerPath)
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
