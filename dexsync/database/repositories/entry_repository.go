package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dexsync/dexsync/config"
	"dexsync/dexsync/logger"
	"dexsync/dexsync/models"
	"dexsync/dexsync/state"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sahilm/fuzzy"
	"github.com/uptrace/bun"
)

// EntryRepository is the local cache store for catalog entries. All writes
// are whole-record upserts keyed by id; concurrent writers cannot corrupt a
// record, last write wins per id.
type EntryRepository interface {
	Count(ctx context.Context) (int, error)
	GetAll(ctx context.Context) ([]*models.CachedEntry, error)
	GetByID(ctx context.Context, id int64) (*models.CachedEntry, error)
	GetByName(ctx context.Context, name string) (*models.CachedEntry, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*models.CachedEntry, error)
	SearchByName(ctx context.Context, query string, limit int) ([]*models.CachedEntry, error)
	Upsert(ctx context.Context, record *models.CachedEntry) error
	UpsertAll(ctx context.Context, records []*models.CachedEntry) error
	DeleteAll(ctx context.Context) error

	// Watch delivers the full cached list on subscribe and again after
	// every mutation, until ctx is cancelled.
	Watch(ctx context.Context) (<-chan []*models.CachedEntry, error)
}

type entryRepository struct {
	db          *bun.DB
	searchCache *lru.Cache

	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

func NewEntryRepository(db *bun.DB) EntryRepository {
	cache, _ := lru.New(config.SearchCacheSize)
	return &entryRepository{
		db:          db,
		searchCache: cache,
		subs:        make(map[int]chan struct{}),
	}
}

func (r *entryRepository) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	count, err := r.db.NewSelect().
		Model((*models.CachedEntry)(nil)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

func (r *entryRepository) GetAll(ctx context.Context) ([]*models.CachedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	var entries []*models.CachedEntry
	err := r.db.NewSelect().
		Model(&entries).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}
	return entries, nil
}

func (r *entryRepository) GetByID(ctx context.Context, id int64) (*models.CachedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	entry := new(models.CachedEntry)
	err := r.db.NewSelect().
		Model(entry).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return entry, nil
}

func (r *entryRepository) GetByName(ctx context.Context, name string) (*models.CachedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	entry := new(models.CachedEntry)
	err := r.db.NewSelect().
		Model(entry).
		Where("name_key = ?", strings.ToLower(name)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entry by name: %w", err)
	}
	return entry, nil
}

func (r *entryRepository) GetByIDs(ctx context.Context, ids []int64) ([]*models.CachedEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	var entries []*models.CachedEntry
	err := r.db.NewSelect().
		Model(&entries).
		Where("id IN (?)", bun.In(ids)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries by ids: %w", err)
	}
	return entries, nil
}

// entrySearchItems implements fuzzy.Source over cached entries.
type entrySearchItems []*models.CachedEntry

func (items entrySearchItems) Len() int            { return len(items) }
func (items entrySearchItems) String(i int) string { return items[i].NameKey }

func (r *entryRepository) SearchByName(ctx context.Context, query string, limit int) ([]*models.CachedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, config.SearchTimeout)
	defer cancel()

	normalized := strings.ToLower(strings.TrimSpace(query))
	if normalized == "" {
		return nil, nil
	}

	cacheKey := fmt.Sprintf("search:%s:%d", normalized, limit)
	if cached, ok := r.searchCache.Get(cacheKey); ok {
		return cached.([]*models.CachedEntry), nil
	}

	start := time.Now()
	all, err := r.GetAll(ctx)
	if err != nil {
		logger.LogQuery("search_by_name", time.Since(start), err)
		return nil, err
	}

	matches := fuzzy.FindFrom(normalized, entrySearchItems(all))
	results := make([]*models.CachedEntry, 0, limit)
	for _, m := range matches {
		results = append(results, all[m.Index])
		if limit > 0 && len(results) >= limit {
			break
		}
	}

	r.searchCache.Add(cacheKey, results)
	logger.LogQuery("search_by_name", time.Since(start), nil)
	return results, nil
}

func (r *entryRepository) Upsert(ctx context.Context, record *models.CachedEntry) error {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	record.FetchedAt = time.Now()
	record.NameKey = strings.ToLower(record.Name)

	_, err := r.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("name_key = EXCLUDED.name_key").
		Set("height = EXCLUDED.height").
		Set("weight = EXCLUDED.weight").
		Set("primary_type = EXCLUDED.primary_type").
		Set("secondary_type = EXCLUDED.secondary_type").
		Set("base_experience = EXCLUDED.base_experience").
		Set("sprite_url = EXCLUDED.sprite_url").
		Set("fetched_at = EXCLUDED.fetched_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}

	r.invalidate()
	return nil
}

func (r *entryRepository) UpsertAll(ctx context.Context, records []*models.CachedEntry) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	now := time.Now()
	for _, rec := range records {
		rec.FetchedAt = now
		rec.NameKey = strings.ToLower(rec.Name)
	}

	for start := 0; start < len(records); start += config.MaxBatchSize {
		end := start + config.MaxBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		_, err := r.db.NewInsert().
			Model(&batch).
			On("CONFLICT (id) DO UPDATE").
			Set("name = EXCLUDED.name").
			Set("name_key = EXCLUDED.name_key").
			Set("height = EXCLUDED.height").
			Set("weight = EXCLUDED.weight").
			Set("primary_type = EXCLUDED.primary_type").
			Set("secondary_type = EXCLUDED.secondary_type").
			Set("base_experience = EXCLUDED.base_experience").
			Set("sprite_url = EXCLUDED.sprite_url").
			Set("fetched_at = EXCLUDED.fetched_at").
			Exec(ctx)
		if err != nil {
			logger.LogQuery("upsert_entries", time.Since(now), err)
			return fmt.Errorf("failed to upsert entries: %w", err)
		}
	}

	r.invalidate()
	logger.LogQuery("upsert_entries", time.Since(now), nil)
	return nil
}

func (r *entryRepository) DeleteAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, config.DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.NewDelete().
		Model((*models.CachedEntry)(nil)).
		Where("1 = 1").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}

	r.invalidate()
	return nil
}

func (r *entryRepository) Watch(ctx context.Context) (<-chan []*models.CachedEntry, error) {
	signal := make(chan struct{}, 1)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = signal
	r.mu.Unlock()

	out := make(chan []*models.CachedEntry, 1)

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(out)
		}()

		send := func() bool {
			entries, err := r.GetAll(ctx)
			if err != nil {
				return ctx.Err() == nil
			}
			select {
			case out <- entries:
			case <-ctx.Done():
				return false
			}
			return true
		}

		// initial snapshot
		if !send() {
			return
		}

		for {
			select {
			case <-signal:
				if !send() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// invalidate wakes watchers and drops memoized search results after a write.
func (r *entryRepository) invalidate() {
	r.searchCache.Purge()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, signal := range r.subs {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}
