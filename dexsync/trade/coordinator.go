// Package trade manages peer-to-peer entry exchanges with exactly-once
// atomic settlement, plus the per-user favorite sets the exchanges mutate.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dexsync/dexsync/auth"
	"dexsync/dexsync/config"
	"dexsync/dexsync/database/repositories"
	"dexsync/dexsync/docstore"
	"dexsync/dexsync/models"
	"dexsync/dexsync/state"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Trade is the decoded trades/{id} document. Receiving fields are nil until
// the trade completes; a trade is never deleted, only marked completed.
type Trade struct {
	ID              string
	OfferingUserID  string
	OfferedEntryID  int64
	ReceivingUserID *string
	ReceivedEntryID *int64
	Status          Status
	CreatedAt       time.Time
}

type Coordinator struct {
	store    docstore.Store
	identity auth.Provider
	entries  repositories.EntryRepository
}

func NewCoordinator(store docstore.Store, identity auth.Provider, entries repositories.EntryRepository) *Coordinator {
	return &Coordinator{
		store:    store,
		identity: identity,
		entries:  entries,
	}
}

// Create writes a new pending trade proposal offering one entry, returning
// the proposal id.
func (c *Coordinator) Create(ctx context.Context, offeredEntryID int64) (string, error) {
	uid, ok := c.identity.CurrentUserID()
	if !ok {
		return "", state.ErrNotSignedIn
	}

	id, err := c.store.Add(ctx, config.TradesCollection, docstore.Doc{
		"offeringUserId":  uid,
		"offeredEntryId":  offeredEntryID,
		"receivingUserId": nil,
		"receivedEntryId": nil,
		"status":          string(StatusPending),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create trade: %w", err)
	}

	slog.Info("Trade created",
		slog.String("type", "doc"),
		slog.String("trade_id", id),
		slog.Int64("offered_entry", offeredEntryID))
	return id, nil
}

// Listen subscribes to one trade document. Every mutation arrives as a
// Success snapshot; a missing document or a broken subscription arrives as
// an Error. Cancelling ctx releases the remote listener.
func (c *Coordinator) Listen(ctx context.Context, tradeID string) (<-chan state.State[Trade], error) {
	snapshots, err := c.store.Listen(ctx, config.TradesCollection, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for trade updates: %w", err)
	}

	out := make(chan state.State[Trade], 1)

	go func() {
		defer close(out)

		for snap := range snapshots {
			var st state.State[Trade]
			switch {
			case snap.Err != nil:
				st = state.FailureOf[Trade](snap.Err)
			case !snap.Exists:
				st = state.ErrorOf[Trade]("trade not found")
			default:
				st = state.SuccessOf(decodeTrade(tradeID, snap.Data))
			}

			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Accept settles a pending trade in a single transaction: the trade
// document flips to completed and both users' favorite sets swap the two
// entries. Either everything commits or the store is left untouched.
func (c *Coordinator) Accept(ctx context.Context, tradeID string, offeredEntryID int64) error {
	receivingUserID, ok := c.identity.CurrentUserID()
	if !ok {
		return state.ErrNotSignedIn
	}

	err := c.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, config.TradesCollection, tradeID)
		if err != nil {
			return fmt.Errorf("failed to read trade: %w", err)
		}

		offeringUserID, okUser := doc["offeringUserId"].(string)
		offeredFromDB, okEntry := asInt64(doc["offeredEntryId"])
		if !okUser || offeringUserID == "" || !okEntry {
			return state.ErrInvalidTrade
		}

		// A completed trade must not settle twice; transactional conflict
		// detection alone is not relied on.
		if status, _ := doc["status"].(string); status != string(StatusPending) {
			return fmt.Errorf("trade is %s: %w", status, state.ErrInvalidTrade)
		}

		err = tx.Update(ctx, config.TradesCollection, tradeID,
			docstore.Set("receivingUserId", receivingUserID),
			docstore.Set("receivedEntryId", offeredEntryID),
			docstore.Set("status", string(StatusCompleted)),
		)
		if err != nil {
			return fmt.Errorf("failed to update trade: %w", err)
		}

		err = tx.Update(ctx, config.UsersCollection, offeringUserID,
			docstore.ArrayRemove(config.FavoritesField, offeredFromDB),
			docstore.ArrayUnion(config.FavoritesField, offeredEntryID),
		)
		if err != nil {
			return fmt.Errorf("failed to update offering user favorites: %w", err)
		}

		err = tx.Update(ctx, config.UsersCollection, receivingUserID,
			docstore.ArrayRemove(config.FavoritesField, offeredEntryID),
			docstore.ArrayUnion(config.FavoritesField, offeredFromDB),
		)
		if err != nil {
			return fmt.Errorf("failed to update receiving user favorites: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Trade completed",
		slog.String("type", "doc"),
		slog.String("trade_id", tradeID))
	return nil
}

// AddFavorite adds one entry id to the signed-in user's favorite set.
func (c *Coordinator) AddFavorite(ctx context.Context, entryID int64) error {
	uid, ok := c.identity.CurrentUserID()
	if !ok {
		return state.ErrNotSignedIn
	}

	err := c.store.Update(ctx, config.UsersCollection, uid,
		docstore.ArrayUnion(config.FavoritesField, entryID))
	if err != nil {
		return fmt.Errorf("failed to add favorite: %w", err)
	}
	return nil
}

// RemoveFavorite removes one entry id from the signed-in user's favorite set.
func (c *Coordinator) RemoveFavorite(ctx context.Context, entryID int64) error {
	uid, ok := c.identity.CurrentUserID()
	if !ok {
		return state.ErrNotSignedIn
	}

	err := c.store.Update(ctx, config.UsersCollection, uid,
		docstore.ArrayRemove(config.FavoritesField, entryID))
	if err != nil {
		return fmt.Errorf("failed to remove favorite: %w", err)
	}
	return nil
}

// Favorites subscribes to the signed-in user's favorite set. Each snapshot
// resolves the id set against the local cache only; favorites never trigger
// a catalog fetch.
func (c *Coordinator) Favorites(ctx context.Context) (<-chan state.State[[]models.Entry], error) {
	uid, ok := c.identity.CurrentUserID()
	if !ok {
		return nil, state.ErrNotSignedIn
	}

	snapshots, err := c.store.Listen(ctx, config.UsersCollection, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for favorites: %w", err)
	}

	out := make(chan state.State[[]models.Entry], 1)

	go func() {
		defer close(out)

		// Resolution work is scoped to the subscription: the group is
		// waited on before the channel closes, so no lookup outlives the
		// caller's interest.
		g, gctx := errgroup.WithContext(ctx)
		defer g.Wait()

		for snap := range snapshots {
			var st state.State[[]models.Entry]
			switch {
			case snap.Err != nil:
				st = state.FailureOf[[]models.Entry](snap.Err)
			case !snap.Exists:
				st = state.SuccessOf([]models.Entry{})
			default:
				ids := favoriteIDs(snap.Data)
				if len(ids) == 0 {
					st = state.SuccessOf([]models.Entry{})
					break
				}

				resolved := make(chan []models.Entry, 1)
				g.Go(func() error {
					records, err := c.entries.GetByIDs(gctx, ids)
					if err != nil {
						resolved <- nil
						return nil
					}
					resolved <- models.ToDomainAll(records)
					return nil
				})

				select {
				case entries := <-resolved:
					if entries == nil {
						continue
					}
					st = state.SuccessOf(entries)
				case <-ctx.Done():
					return
				}
			}

			select {
			case out <- st:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func decodeTrade(id string, doc docstore.Doc) Trade {
	t := Trade{ID: id}

	t.OfferingUserID, _ = doc["offeringUserId"].(string)
	t.OfferedEntryID, _ = asInt64(doc["offeredEntryId"])

	if uid, ok := doc["receivingUserId"].(string); ok && uid != "" {
		t.ReceivingUserID = &uid
	}
	if v, ok := asInt64(doc["receivedEntryId"]); ok {
		t.ReceivedEntryID = &v
	}

	if status, ok := doc["status"].(string); ok {
		t.Status = Status(status)
	}
	if created, ok := doc["createdAt"].(time.Time); ok {
		t.CreatedAt = created
	}

	return t
}

func favoriteIDs(doc docstore.Doc) []int64 {
	switch raw := doc[config.FavoritesField].(type) {
	case []int64:
		return raw
	case []any:
		ids := make([]int64, 0, len(raw))
		for _, v := range raw {
			if id, ok := asInt64(v); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return nil
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
