package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dexsync/dexsync/config"
	"dexsync/dexsync/docstore"
	"dexsync/dexsync/models"
	"dexsync/dexsync/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct{ uid string }

func (f fakeIdentity) CurrentUserID() (string, bool) { return f.uid, f.uid != "" }

func (f fakeIdentity) SignInAnonymously(ctx context.Context) (string, error) { return f.uid, nil }

// fakeStore is an in-memory docstore.Store with real transaction semantics:
// writes inside a transaction stage on a copy and commit all-or-nothing.
// failOn injects a write failure mid-transaction for atomicity tests.
type fakeStore struct {
	mu     sync.Mutex
	docs   map[string]docstore.Doc
	subs   map[string][]chan docstore.Snapshot
	nextID int
	failOn string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs: make(map[string]docstore.Doc),
		subs: make(map[string][]chan docstore.Snapshot),
	}
}

func key(collection, id string) string { return collection + "/" + id }

func cloneDoc(doc docstore.Doc) docstore.Doc {
	out := make(docstore.Doc, len(doc))
	for k, v := range doc {
		if arr, ok := v.([]any); ok {
			v = append([]any(nil), arr...)
		}
		out[k] = v
	}
	return out
}

func applyUpdates(doc docstore.Doc, updates []docstore.FieldUpdate) {
	for _, u := range updates {
		switch u.Op {
		case docstore.OpSet:
			doc[u.Field] = u.Value
		case docstore.OpArrayUnion:
			arr, _ := doc[u.Field].([]any)
			found := false
			for _, v := range arr {
				if v == u.Value {
					found = true
					break
				}
			}
			if !found {
				doc[u.Field] = append(arr, u.Value)
			}
		case docstore.OpArrayRemove:
			arr, _ := doc[u.Field].([]any)
			kept := make([]any, 0, len(arr))
			for _, v := range arr {
				if v != u.Value {
					kept = append(kept, v)
				}
			}
			doc[u.Field] = kept
		}
	}
}

func (s *fakeStore) Get(ctx context.Context, collection, id string) (docstore.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key(collection, id)]
	if !ok {
		return nil, state.ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (s *fakeStore) Update(ctx context.Context, collection, id string, updates ...docstore.FieldUpdate) error {
	s.mu.Lock()
	k := key(collection, id)
	doc, ok := s.docs[k]
	if !ok {
		doc = docstore.Doc{}
	}
	doc = cloneDoc(doc)
	applyUpdates(doc, updates)
	s.docs[k] = doc
	s.mu.Unlock()

	s.notify(k)
	return nil
}

func (s *fakeStore) Add(ctx context.Context, collection string, fields docstore.Doc) (string, error) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("doc-%d", s.nextID)
	doc := cloneDoc(fields)
	doc["createdAt"] = time.Now()
	s.docs[key(collection, id)] = doc
	s.mu.Unlock()
	return id, nil
}

func (s *fakeStore) Listen(ctx context.Context, collection, id string) (<-chan docstore.Snapshot, error) {
	k := key(collection, id)
	ch := make(chan docstore.Snapshot, 16)

	s.mu.Lock()
	s.subs[k] = append(s.subs[k], ch)
	ch <- s.snapshotLocked(k)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		kept := s.subs[k][:0]
		for _, sub := range s.subs[k] {
			if sub != ch {
				kept = append(kept, sub)
			}
		}
		s.subs[k] = kept
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *fakeStore) snapshotLocked(k string) docstore.Snapshot {
	doc, ok := s.docs[k]
	if !ok {
		return docstore.Snapshot{Exists: false}
	}
	return docstore.Snapshot{Data: cloneDoc(doc), Exists: true}
}

func (s *fakeStore) notify(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[k] {
		select {
		case sub <- s.snapshotLocked(k):
		default:
		}
	}
}

type fakeTx struct {
	store  *fakeStore
	staged map[string]docstore.Doc
	writes int
}

func (t *fakeTx) Get(ctx context.Context, collection, id string) (docstore.Doc, error) {
	k := key(collection, id)
	if doc, ok := t.staged[k]; ok {
		return cloneDoc(doc), nil
	}
	doc, ok := t.store.docs[k]
	if !ok {
		return nil, state.ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (t *fakeTx) Update(ctx context.Context, collection, id string, updates ...docstore.FieldUpdate) error {
	k := key(collection, id)
	t.writes++
	if t.store.failOn != "" && k == t.store.failOn {
		return errors.New("injected write failure")
	}
	doc, ok := t.staged[k]
	if !ok {
		if existing, exists := t.store.docs[k]; exists {
			doc = cloneDoc(existing)
		} else {
			doc = docstore.Doc{}
		}
	}
	applyUpdates(doc, updates)
	t.staged[k] = doc
	return nil
}

func (s *fakeStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	s.mu.Lock()
	tx := &fakeTx{store: s, staged: make(map[string]docstore.Doc)}
	err := fn(ctx, tx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := make([]string, 0, len(tx.staged))
	for k, doc := range tx.staged {
		s.docs[k] = doc
		changed = append(changed, k)
	}
	s.mu.Unlock()

	for _, k := range changed {
		s.notify(k)
	}
	return nil
}

func (s *fakeStore) Close(ctx context.Context) error { return nil }

func favorites(t *testing.T, s *fakeStore, uid string) []any {
	t.Helper()
	doc, err := s.Get(context.Background(), config.UsersCollection, uid)
	require.NoError(t, err)
	arr, _ := doc[config.FavoritesField].([]any)
	return arr
}

func seedUser(s *fakeStore, uid string, favs ...int64) {
	arr := make([]any, len(favs))
	for i, id := range favs {
		arr[i] = id
	}
	s.docs[key(config.UsersCollection, uid)] = docstore.Doc{config.FavoritesField: arr}
}

func TestCreateUnauthenticated(t *testing.T) {
	c := NewCoordinator(newFakeStore(), fakeIdentity{}, nil)

	_, err := c.Create(context.Background(), 7)
	assert.ErrorIs(t, err, state.ErrNotSignedIn)
}

func TestCreatePendingTrade(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)

	id, err := c.Create(context.Background(), 7)
	require.NoError(t, err)

	doc, err := store.Get(context.Background(), config.TradesCollection, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", doc["offeringUserId"])
	assert.Equal(t, int64(7), doc["offeredEntryId"])
	assert.Equal(t, string(StatusPending), doc["status"])
	assert.Nil(t, doc["receivingUserId"])
	assert.NotZero(t, doc["createdAt"])
}

func TestAcceptSwapsFavorites(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", 7)
	seedUser(store, "bob", 9)

	offering := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)
	id, err := offering.Create(context.Background(), 7)
	require.NoError(t, err)

	receiving := NewCoordinator(store, fakeIdentity{uid: "bob"}, nil)
	require.NoError(t, receiving.Accept(context.Background(), id, 9))

	doc, err := store.Get(context.Background(), config.TradesCollection, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), doc["status"])
	assert.Equal(t, "bob", doc["receivingUserId"])
	assert.Equal(t, int64(9), doc["receivedEntryId"])

	assert.Equal(t, []any{int64(9)}, favorites(t, store, "alice"))
	assert.Equal(t, []any{int64(7)}, favorites(t, store, "bob"))
}

func TestAcceptUnauthenticated(t *testing.T) {
	c := NewCoordinator(newFakeStore(), fakeIdentity{}, nil)

	err := c.Accept(context.Background(), "doc-1", 9)
	assert.ErrorIs(t, err, state.ErrNotSignedIn)
}

func TestAcceptInvalidTradeDoc(t *testing.T) {
	store := newFakeStore()
	store.docs[key(config.TradesCollection, "bad")] = docstore.Doc{
		"status": string(StatusPending), // offering fields missing
	}

	c := NewCoordinator(store, fakeIdentity{uid: "bob"}, nil)
	err := c.Accept(context.Background(), "bad", 9)
	assert.ErrorIs(t, err, state.ErrInvalidTrade)
}

func TestAcceptCompletedTradeRejected(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", 7)
	seedUser(store, "bob", 9)

	offering := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)
	id, err := offering.Create(context.Background(), 7)
	require.NoError(t, err)

	receiving := NewCoordinator(store, fakeIdentity{uid: "bob"}, nil)
	require.NoError(t, receiving.Accept(context.Background(), id, 9))

	err = receiving.Accept(context.Background(), id, 9)
	assert.ErrorIs(t, err, state.ErrInvalidTrade)
}

func TestAcceptIsAtomic(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", 7)
	seedUser(store, "bob", 9)

	offering := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)
	id, err := offering.Create(context.Background(), 7)
	require.NoError(t, err)

	// fail the second user write; the trade flip and the first favorite
	// swap must roll back with it
	store.failOn = key(config.UsersCollection, "bob")

	receiving := NewCoordinator(store, fakeIdentity{uid: "bob"}, nil)
	err = receiving.Accept(context.Background(), id, 9)
	require.Error(t, err)

	doc, err := store.Get(context.Background(), config.TradesCollection, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), doc["status"])
	assert.Equal(t, []any{int64(7)}, favorites(t, store, "alice"))
	assert.Equal(t, []any{int64(9)}, favorites(t, store, "bob"))
}

func TestAcceptConcurrentSingleWinner(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", 7)
	seedUser(store, "bob", 9)
	seedUser(store, "carol", 11)

	offering := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)
	id, err := offering.Create(context.Background(), 7)
	require.NoError(t, err)

	bob := NewCoordinator(store, fakeIdentity{uid: "bob"}, nil)
	carol := NewCoordinator(store, fakeIdentity{uid: "carol"}, nil)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- bob.Accept(context.Background(), id, 9)
	}()
	go func() {
		defer wg.Done()
		errs <- carol.Accept(context.Background(), id, 11)
	}()
	wg.Wait()
	close(errs)

	var failed int
	for err := range errs {
		if err != nil {
			failed++
			assert.ErrorIs(t, err, state.ErrInvalidTrade)
		}
	}
	assert.Equal(t, 1, failed, "exactly one accept must lose")

	doc, err := store.Get(context.Background(), config.TradesCollection, id)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), doc["status"])
}

func TestListenEmitsSnapshots(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)

	id, err := c.Create(context.Background(), 7)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Listen(ctx, id)
	require.NoError(t, err)

	got := nextState(t, ch)
	require.True(t, got.IsSuccess())
	assert.Equal(t, StatusPending, got.Data().Status)
	assert.Nil(t, got.Data().ReceivingUserID)

	bob := NewCoordinator(store, fakeIdentity{uid: "bob"}, nil)
	seedUser(store, "bob", 9)
	require.NoError(t, bob.Accept(context.Background(), id, 9))

	got = nextState(t, ch)
	require.True(t, got.IsSuccess())
	assert.Equal(t, StatusCompleted, got.Data().Status)
	require.NotNil(t, got.Data().ReceivingUserID)
	assert.Equal(t, "bob", *got.Data().ReceivingUserID)
	require.NotNil(t, got.Data().ReceivedEntryID)
	assert.Equal(t, int64(9), *got.Data().ReceivedEntryID)
}

func TestListenReleasedOnCancel(t *testing.T) {
	store := newFakeStore()
	c := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)

	id, err := c.Create(context.Background(), 7)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Listen(ctx, id)
	require.NoError(t, err)

	require.True(t, nextState(t, ch).IsSuccess())

	cancel()

	expectStateClosed(t, ch)
	k := key(config.TradesCollection, id)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.subs[k]) == 0
	}, 2*time.Second, 10*time.Millisecond, "store subscription must be dropped")
}

func TestFavoritesReleasedOnCancel(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", 1)
	c := NewCoordinator(store, fakeIdentity{uid: "alice"}, fakeResolver{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Favorites(ctx)
	require.NoError(t, err)

	require.True(t, nextState(t, ch).IsSuccess())

	cancel()

	expectStateClosed(t, ch)
	k := key(config.UsersCollection, "alice")
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.subs[k]) == 0
	}, 2*time.Second, 10*time.Millisecond, "store subscription must be dropped")
}

func TestListenMissingTrade(t *testing.T) {
	c := NewCoordinator(newFakeStore(), fakeIdentity{uid: "alice"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Listen(ctx, "nope")
	require.NoError(t, err)

	got := nextState(t, ch)
	require.True(t, got.IsError())
	assert.Equal(t, "trade not found", got.ErrMsg())
}

type fakeResolver struct {
	byID map[int64]*models.CachedEntry
}

func (f fakeResolver) Count(ctx context.Context) (int, error) { return len(f.byID), nil }

func (f fakeResolver) GetAll(ctx context.Context) ([]*models.CachedEntry, error) { return nil, nil }

func (f fakeResolver) GetByID(ctx context.Context, id int64) (*models.CachedEntry, error) {
	rec, ok := f.byID[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	return rec, nil
}

func (f fakeResolver) GetByName(ctx context.Context, name string) (*models.CachedEntry, error) {
	return nil, state.ErrNotFound
}

func (f fakeResolver) GetByIDs(ctx context.Context, ids []int64) ([]*models.CachedEntry, error) {
	var out []*models.CachedEntry
	for _, id := range ids {
		if rec, ok := f.byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f fakeResolver) SearchByName(ctx context.Context, query string, limit int) ([]*models.CachedEntry, error) {
	return nil, nil
}

func (f fakeResolver) Upsert(ctx context.Context, record *models.CachedEntry) error { return nil }

func (f fakeResolver) UpsertAll(ctx context.Context, records []*models.CachedEntry) error {
	return nil
}

func (f fakeResolver) DeleteAll(ctx context.Context) error { return nil }

func (f fakeResolver) Watch(ctx context.Context) (<-chan []*models.CachedEntry, error) {
	return nil, nil
}

func TestFavoritesResolvedFromCache(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice", 1, 2)

	resolver := fakeResolver{byID: map[int64]*models.CachedEntry{
		1: models.ToCache(models.Entry{ID: 1, Name: "bulbasaur"}),
		2: models.ToCache(models.Entry{ID: 2, Name: "ivysaur"}),
	}}
	c := NewCoordinator(store, fakeIdentity{uid: "alice"}, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Favorites(ctx)
	require.NoError(t, err)

	got := nextState(t, ch)
	require.True(t, got.IsSuccess())
	assert.Len(t, got.Data(), 2)

	require.NoError(t, c.RemoveFavorite(context.Background(), 2))

	got = nextState(t, ch)
	require.True(t, got.IsSuccess())
	require.Len(t, got.Data(), 1)
	assert.Equal(t, "bulbasaur", got.Data()[0].Name)
}

func TestFavoritesMissingUserDoc(t *testing.T) {
	c := NewCoordinator(newFakeStore(), fakeIdentity{uid: "ghost"}, fakeResolver{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Favorites(ctx)
	require.NoError(t, err)

	got := nextState(t, ch)
	require.True(t, got.IsSuccess())
	assert.Empty(t, got.Data())
}

func TestFavoritesUnauthenticated(t *testing.T) {
	c := NewCoordinator(newFakeStore(), fakeIdentity{}, fakeResolver{})

	_, err := c.Favorites(context.Background())
	assert.ErrorIs(t, err, state.ErrNotSignedIn)
}

func TestAddRemoveFavorite(t *testing.T) {
	store := newFakeStore()
	seedUser(store, "alice")
	c := NewCoordinator(store, fakeIdentity{uid: "alice"}, nil)

	require.NoError(t, c.AddFavorite(context.Background(), 4))
	require.NoError(t, c.AddFavorite(context.Background(), 4)) // idempotent
	assert.Equal(t, []any{int64(4)}, favorites(t, store, "alice"))

	require.NoError(t, c.RemoveFavorite(context.Background(), 4))
	assert.Empty(t, favorites(t, store, "alice"))
}

func expectStateClosed[T any](t *testing.T, ch <-chan state.State[T]) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func nextState[T any](t *testing.T, ch <-chan state.State[T]) state.State[T] {
	t.Helper()
	select {
	case st, ok := <-ch:
		require.True(t, ok, "channel closed before expected emission")
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emission")
		return state.State[T]{}
	}
}
