// Package docstore is the client for the shared remote document database
// that holds user favorite sets and trade proposals. Several independent
// client processes mutate the same documents; the transaction primitive is
// the only thing protecting multi-document invariants.
package docstore

import "context"

// Doc is one document's fields.
type Doc map[string]any

// UpdateOp selects how a FieldUpdate mutates its field.
type UpdateOp int

const (
	OpSet UpdateOp = iota
	OpArrayUnion
	OpArrayRemove
)

// FieldUpdate is a single field mutation. Favorite sets are only ever
// touched through ArrayUnion/ArrayRemove so concurrent writers from other
// clients are never clobbered by a full overwrite.
type FieldUpdate struct {
	Field string
	Op    UpdateOp
	Value any
}

func Set(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: OpSet, Value: value}
}

func ArrayUnion(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: OpArrayUnion, Value: value}
}

func ArrayRemove(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: OpArrayRemove, Value: value}
}

// Snapshot is one emission of a document listener. Err is set when the
// subscription itself failed; Exists is false when the document is absent.
type Snapshot struct {
	Data   Doc
	Exists bool
	Err    error
}

// Tx exposes reads and writes bound to a running transaction.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	Update(ctx context.Context, collection, id string, updates ...FieldUpdate) error
}

// Store is the remote document database client.
type Store interface {
	// Get performs a point read. Returns state.ErrNotFound for a missing
	// document.
	Get(ctx context.Context, collection, id string) (Doc, error)

	// Update applies field updates to one document.
	Update(ctx context.Context, collection, id string, updates ...FieldUpdate) error

	// Add creates a document with a store-assigned id and a server-assigned
	// createdAt timestamp, returning the new id.
	Add(ctx context.Context, collection string, fields Doc) (string, error)

	// Listen opens a live subscription on one document: an immediate
	// snapshot of the current contents, then one snapshot per mutation.
	// Cancelling ctx releases the underlying remote listener; the returned
	// channel is closed afterwards.
	Listen(ctx context.Context, collection, id string) (<-chan Snapshot, error)

	// RunTransaction executes fn atomically. All reads and writes made
	// through the Tx commit together or not at all; conflicting concurrent
	// transactions are retried by the store and surfaced as an error only
	// when retries are exhausted.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close(ctx context.Context) error
}
