// Package sync reconciles the local cache store with the remote catalog.
// Every query emits its best known state from cache first, then the outcome
// of a network refresh; a network failure is masked whenever the cache
// already answered.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dexsync/dexsync/config"
	"dexsync/dexsync/connectivity"
	"dexsync/dexsync/database/repositories"
	"dexsync/dexsync/logger"
	"dexsync/dexsync/models"
	"dexsync/dexsync/remote"
	"dexsync/dexsync/state"
)

type Service struct {
	entries repositories.EntryRepository
	catalog remote.CatalogSource
	monitor connectivity.Monitor
}

func NewService(entries repositories.EntryRepository, catalog remote.CatalogSource, monitor connectivity.Monitor) *Service {
	return &Service{
		entries: entries,
		catalog: catalog,
		monitor: monitor,
	}
}

// List emits the cached entry list, refreshes it from the catalog, and keeps
// re-emitting while the cache changes. The channel closes when ctx is
// cancelled, or right after the refresh attempt when the cache was empty.
func (s *Service) List(ctx context.Context, limit, offset int) <-chan state.State[[]models.Entry] {
	out := make(chan state.State[[]models.Entry], 1)

	go func() {
		defer close(out)
		defer recoverToError(ctx, out)

		if !emit(ctx, out, state.LoadingOf[[]models.Entry]()) {
			return
		}

		cachedCount, err := s.entries.Count(ctx)
		if err != nil {
			emit(ctx, out, state.FailureOf[[]models.Entry](err))
			return
		}

		watching := false
		forwardDone := make(chan struct{})
		if cachedCount > 0 {
			watch, err := s.entries.Watch(ctx)
			if err != nil {
				emit(ctx, out, state.FailureOf[[]models.Entry](err))
				return
			}

			// The first delivery is the current snapshot; it must precede
			// any network-derived emission.
			select {
			case records := <-watch:
				if len(records) > 0 {
					if !emit(ctx, out, state.SuccessOf(models.ToDomainAll(records))) {
						return
					}
				}
			case <-ctx.Done():
				return
			}

			watching = true
			go func() {
				defer close(forwardDone)
				for records := range watch {
					if len(records) == 0 {
						continue
					}
					if !emit(ctx, out, state.SuccessOf(models.ToDomainAll(records))) {
						return
					}
				}
			}()
		}

		if s.monitor.IsConnectedNow() {
			fetched, err := s.catalog.FetchList(ctx, limit, offset)
			switch {
			case err != nil:
				// Offline-first contract: a cache-backed success masks the
				// network failure.
				if cachedCount == 0 {
					emit(ctx, out, state.FailureOf[[]models.Entry](err))
				}
			case len(fetched) == 0:
				if cachedCount == 0 {
					emit(ctx, out, state.EmptyOf[[]models.Entry]())
				}
			default:
				if err := s.entries.UpsertAll(ctx, models.ToCacheAll(fetched)); err != nil {
					logger.LogError("Failed to persist fetched entries", err)
				}
				emit(ctx, out, state.SuccessOf(fetched))
			}
		} else if cachedCount == 0 {
			emit(ctx, out, state.FailureOf[[]models.Entry](state.ErrNotConnected))
		}

		// The cache watch stays live for the caller's lifetime. Wait for
		// the forwarder so nothing sends on the closed channel.
		if watching {
			<-ctx.Done()
			<-forwardDone
		}
	}()

	return out
}

// ByID emits the cached entry, then the refreshed one.
func (s *Service) ByID(ctx context.Context, id int64) <-chan state.State[models.Entry] {
	return s.pointQuery(ctx,
		func(ctx context.Context) (*models.CachedEntry, error) {
			return s.entries.GetByID(ctx, id)
		},
		func(ctx context.Context) (models.Entry, error) {
			return s.catalog.FetchByID(ctx, id)
		},
	)
}

// ByName emits the cached entry matched case-insensitively by name, then
// the refreshed one.
func (s *Service) ByName(ctx context.Context, name string) <-chan state.State[models.Entry] {
	return s.pointQuery(ctx,
		func(ctx context.Context) (*models.CachedEntry, error) {
			return s.entries.GetByName(ctx, name)
		},
		func(ctx context.Context) (models.Entry, error) {
			return s.catalog.FetchByName(ctx, name)
		},
	)
}

func (s *Service) pointQuery(
	ctx context.Context,
	readCache func(context.Context) (*models.CachedEntry, error),
	fetch func(context.Context) (models.Entry, error),
) <-chan state.State[models.Entry] {
	out := make(chan state.State[models.Entry], 1)

	go func() {
		defer close(out)
		defer recoverToError(ctx, out)

		if !emit(ctx, out, state.LoadingOf[models.Entry]()) {
			return
		}

		cached, err := readCache(ctx)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			emit(ctx, out, state.FailureOf[models.Entry](err))
			return
		}

		if cached != nil {
			if !emit(ctx, out, state.SuccessOf(cached.ToDomain())) {
				return
			}
		}

		if s.monitor.IsConnectedNow() {
			entry, err := fetch(ctx)
			if err != nil {
				if cached == nil {
					emit(ctx, out, state.FailureOf[models.Entry](err))
				}
				return
			}

			if err := s.entries.Upsert(ctx, models.ToCache(entry)); err != nil {
				logger.LogError("Failed to persist fetched entry", err)
			}
			emit(ctx, out, state.SuccessOf(entry))
		} else if cached == nil {
			emit(ctx, out, state.FailureOf[models.Entry](state.ErrNotConnected))
		}
	}()

	return out
}

// ForceSync fetches a large catalog page and bulk-upserts it into the local
// cache. Unlike the streaming queries it has no cache fallback: offline
// means failure.
func (s *Service) ForceSync(ctx context.Context) error {
	start := time.Now()

	if !s.monitor.IsConnectedNow() {
		return state.ErrNotConnected
	}

	fetched, err := s.catalog.FetchList(ctx, config.ForceSyncLimit, 0)
	if err != nil {
		logger.LogSync("force_sync", time.Since(start), err)
		return fmt.Errorf("force sync fetch failed: %w", err)
	}

	if err := s.entries.UpsertAll(ctx, models.ToCacheAll(fetched)); err != nil {
		logger.LogSync("force_sync", time.Since(start), err)
		return fmt.Errorf("force sync persist failed: %w", err)
	}

	logger.LogSync("force_sync", time.Since(start), nil)
	return nil
}

// ClearCache wipes the local cache store.
func (s *Service) ClearCache(ctx context.Context) error {
	return s.entries.DeleteAll(ctx)
}

func emit[T any](ctx context.Context, out chan<- state.State[T], st state.State[T]) bool {
	select {
	case out <- st:
		return true
	case <-ctx.Done():
		return false
	}
}

// recoverToError converts a panic anywhere in a query goroutine into a
// terminal Error emission instead of crashing the process.
func recoverToError[T any](ctx context.Context, out chan<- state.State[T]) {
	if r := recover(); r != nil {
		emit(ctx, out, state.ErrorOf[T](fmt.Sprintf("%v", r)))
	}
}
