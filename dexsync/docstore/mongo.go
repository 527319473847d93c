package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dexsync/dexsync/state"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultConnectTimeout = 10 * time.Second

// MongoStore implements Store on top of a MongoDB replica set. Multi-document
// atomicity comes from session transactions; per-document listeners come from
// change streams.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document store: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("document store unreachable: %w", err)
	}

	return &MongoStore{client: client, db: client.Database(database)}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// docID maps a document id to its _id value. Ids issued by Add are
// ObjectID hex; caller-chosen ids (user uids) stay plain strings.
func docID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func (s *MongoStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	return getDoc(ctx, s.db.Collection(collection), id)
}

func (s *MongoStore) Update(ctx context.Context, collection, id string, updates ...FieldUpdate) error {
	return updateDoc(ctx, s.db.Collection(collection), id, updates)
}

func (s *MongoStore) Add(ctx context.Context, collection string, fields Doc) (string, error) {
	oid := primitive.NewObjectID()

	sets := bson.M{}
	for k, v := range fields {
		sets[k] = v
	}

	// Upsert with $currentDate so createdAt is assigned by the server, not
	// this client's clock.
	_, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{
			"$set":         sets,
			"$currentDate": bson.M{"createdAt": true},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return "", fmt.Errorf("failed to add document: %w", err)
	}

	return oid.Hex(), nil
}

func (s *MongoStore) Listen(ctx context.Context, collection, id string) (<-chan Snapshot, error) {
	coll := s.db.Collection(collection)

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: docID(id)},
		}}},
	}

	// 'updateLookup' delivers the full document after each update
	streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := coll.Watch(ctx, pipeline, streamOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	out := make(chan Snapshot, 1)

	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		// Initial snapshot before any change event.
		if !sendCurrent(ctx, coll, id, out) {
			return
		}

		for stream.Next(ctx) {
			var changeEvent struct {
				OperationType string `bson:"operationType"`
				FullDocument  bson.M `bson:"fullDocument"`
			}

			if err := stream.Decode(&changeEvent); err != nil {
				continue
			}

			var snap Snapshot
			switch changeEvent.OperationType {
			case "delete":
				snap = Snapshot{Exists: false}
			default:
				snap = Snapshot{Data: fromBSON(changeEvent.FullDocument), Exists: changeEvent.FullDocument != nil}
			}

			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Change stream failed",
				slog.String("type", "doc"),
				slog.String("collection", collection),
				slog.Any("error", err))
			select {
			case out <- Snapshot{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

func (s *MongoStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	callback := func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx, &mongoTx{db: s.db})
	}

	// WithTransaction retries transient and write-conflict errors itself;
	// anything surfacing here has exhausted those retries.
	_, err = session.WithTransaction(ctx, callback)
	return err
}

type mongoTx struct {
	db *mongo.Database
}

func (t *mongoTx) Get(ctx context.Context, collection, id string) (Doc, error) {
	return getDoc(ctx, t.db.Collection(collection), id)
}

func (t *mongoTx) Update(ctx context.Context, collection, id string, updates ...FieldUpdate) error {
	return updateDoc(ctx, t.db.Collection(collection), id, updates)
}

func getDoc(ctx context.Context, coll *mongo.Collection, id string) (Doc, error) {
	var raw bson.M
	err := coll.FindOne(ctx, bson.M{"_id": docID(id)}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return fromBSON(raw), nil
}

func updateDoc(ctx context.Context, coll *mongo.Collection, id string, updates []FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	filter := bson.M{"_id": docID(id)}
	for _, update := range updateBatches(updates) {
		// Upsert so an array update on a missing document creates the
		// field on first use.
		_, err := coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}
	}
	return nil
}

// updateBatches folds field updates into as few update documents as
// possible. The server rejects an update document where two operators touch
// the same field path (ConflictingUpdateOperators), so a field reappearing
// starts a new document; the favorite swap's remove-then-union on one field
// becomes two sequential updates inside the same transaction.
func updateBatches(updates []FieldUpdate) []bson.M {
	var batches []bson.M

	sets := bson.M{}
	addToSet := bson.M{}
	pull := bson.M{}
	used := make(map[string]bool)

	flush := func() {
		update := bson.M{}
		if len(sets) > 0 {
			update["$set"] = sets
		}
		if len(addToSet) > 0 {
			update["$addToSet"] = addToSet
		}
		if len(pull) > 0 {
			update["$pull"] = pull
		}
		if len(update) > 0 {
			batches = append(batches, update)
		}
		sets = bson.M{}
		addToSet = bson.M{}
		pull = bson.M{}
		used = make(map[string]bool)
	}

	for _, u := range updates {
		if used[u.Field] {
			flush()
		}
		used[u.Field] = true

		switch u.Op {
		case OpSet:
			sets[u.Field] = u.Value
		case OpArrayUnion:
			addToSet[u.Field] = u.Value
		case OpArrayRemove:
			pull[u.Field] = u.Value
		}
	}
	flush()

	return batches
}

func sendCurrent(ctx context.Context, coll *mongo.Collection, id string, out chan<- Snapshot) bool {
	var raw bson.M
	err := coll.FindOne(ctx, bson.M{"_id": docID(id)}).Decode(&raw)

	var snap Snapshot
	switch {
	case err == nil:
		snap = Snapshot{Data: fromBSON(raw), Exists: true}
	case errors.Is(err, mongo.ErrNoDocuments):
		snap = Snapshot{Exists: false}
	default:
		snap = Snapshot{Err: err}
	}

	select {
	case out <- snap:
		return snap.Err == nil
	case <-ctx.Done():
		return false
	}
}

// fromBSON strips the _id key and normalizes bson container types so
// callers only ever see plain Go values.
func fromBSON(raw bson.M) Doc {
	if raw == nil {
		return nil
	}
	doc := make(Doc, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = normalize(v)
	}
	return doc
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case primitive.DateTime:
		return t.Time()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return int64(t)
	default:
		return v
	}
}
