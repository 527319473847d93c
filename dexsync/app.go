package dexsync

import (
	"context"
	"time"

	"dexsync/dexsync/auth"
	"dexsync/dexsync/connectivity"
	"dexsync/dexsync/database"
	"dexsync/dexsync/database/repositories"
	"dexsync/dexsync/docstore"
	"dexsync/dexsync/remote"
	"dexsync/dexsync/sync"
	"dexsync/dexsync/trade"
)

func New(cfg Config, version string, commit string) *App {
	return &App{
		Cfg:     cfg,
		Version: version,
		Commit:  commit,
	}
}

// App wires the stores and services together. Collaborators are plain
// fields so tests and callers can substitute any of them.
type App struct {
	Cfg     Config
	Version string
	Commit  string

	DB              *database.DB
	EntryRepository repositories.EntryRepository
	Catalog         remote.CatalogSource
	DocStore        docstore.Store
	Identity        *auth.AnonymousProvider
	Monitor         *connectivity.ProbeMonitor

	Sync   *sync.Service
	Trades *trade.Coordinator
}

// Setup opens every store and constructs the services. The caller remains
// responsible for Close.
func (a *App) Setup(ctx context.Context) error {
	db, err := database.New(ctx, database.DBConfig(a.Cfg.DB))
	if err != nil {
		return err
	}
	a.DB = db

	if err := db.InitializeSchema(ctx); err != nil {
		return err
	}

	store, err := docstore.NewMongoStore(ctx, a.Cfg.DocStore.URI, a.Cfg.DocStore.Database)
	if err != nil {
		return err
	}
	a.DocStore = store

	a.EntryRepository = repositories.NewEntryRepository(db.BunDB())
	a.Catalog = remote.NewCatalogSource(a.Cfg.Catalog.BaseURL, time.Duration(a.Cfg.Catalog.TimeoutSeconds)*time.Second)
	a.Identity = auth.NewAnonymousProvider(store)

	a.Monitor = connectivity.NewProbeMonitor(a.Cfg.Connectivity.ProbeAddr, time.Duration(a.Cfg.Connectivity.IntervalSeconds)*time.Second)
	a.Monitor.Start(ctx)

	a.Sync = sync.NewService(a.EntryRepository, a.Catalog, a.Monitor)
	a.Trades = trade.NewCoordinator(store, a.Identity, a.EntryRepository)

	return nil
}

func (a *App) Close(ctx context.Context) {
	if a.Monitor != nil {
		a.Monitor.Close()
	}
	if a.DocStore != nil {
		_ = a.DocStore.Close(ctx)
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
