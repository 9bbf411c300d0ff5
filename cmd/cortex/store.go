package main

import (
	"context"
	"fmt"

	"github.com/basket/go-cortex/internal/bus"
	"github.com/basket/go-cortex/internal/config"
	"github.com/basket/go-cortex/internal/engine"
	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/pgstore"
	"github.com/basket/go-cortex/internal/tui"
)

// queueStore is what the commands need from either store driver.
type queueStore interface {
	engine.Store
	tui.Source
	Enqueue(ctx context.Context, sessionID string, kind persistence.ItemKind, payload string) (int64, error)
	ReadLatestResult(ctx context.Context, sessionID, fingerprint string) (*persistence.RetrievalResult, error)
	ListLifecycleRecords(ctx context.Context, limit int) ([]persistence.OrchestratorRecord, error)
}

var (
	_ queueStore = (*persistence.Store)(nil)
	_ queueStore = (*pgstore.Store)(nil)
)

func openStore(ctx context.Context, cfg config.Config, eventBus *bus.Bus) (queueStore, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, cfg.Store.DSN, eventBus)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.StoreSQLite, "":
		st, err := persistence.Open(cfg.DBPath(), eventBus)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
