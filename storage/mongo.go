package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"sensorscope/record"
)

// MongoBase identifies one database of the record store
type MongoBase struct {
	URI      string
	Database string
}

// MongoRecordStore implements RecordStore on MongoDB. Every base owns its
// own client.
type MongoRecordStore struct {
	clients map[string]*mongo.Client
	dbs     map[string]*mongo.Database
	logger  log.Logger
	mu      sync.RWMutex
}

// NewMongoRecordStore connects to every configured base and pings it
func NewMongoRecordStore(ctx context.Context, bases map[string]MongoBase, connectTimeout time.Duration, logger log.Logger) (*MongoRecordStore, error) {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	store := &MongoRecordStore{
		clients: make(map[string]*mongo.Client),
		dbs:     make(map[string]*mongo.Database),
		logger:  logger,
	}

	for name, base := range bases {
		client, err := mongo.Connect(options.Client().ApplyURI(base.URI).SetConnectTimeout(connectTimeout))
		if err != nil {
			store.Close()
			return nil, &record.StoreError{Op: "connect", Base: name, Err: err}
		}

		// Ping so a misconfigured base fails at startup instead of first query
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = client.Ping(pingCtx, readpref.Primary())
		cancel()
		if err != nil {
			_ = client.Disconnect(context.Background())
			store.Close()
			return nil, &record.StoreError{Op: "ping", Base: name, Err: err}
		}

		store.clients[name] = client
		store.dbs[name] = client.Database(base.Database)
		level.Info(logger).Log("msg", "connected to record store", "base", name, "database", base.Database)
	}

	return store, nil
}

func (s *MongoRecordStore) database(base string) (*mongo.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.dbs[base]
	if !ok {
		return nil, fmt.Errorf("%w: unknown base %q", record.ErrUnexpectedValue, base)
	}
	return db, nil
}

func (s *MongoRecordStore) Find(ctx context.Context, base, collection string, filter record.Filter) ([]record.Record, error) {
	db, err := s.database(base)
	if err != nil {
		return nil, err
	}

	cursor, err := db.Collection(collection).Find(ctx, BuildMongoFilter(filter))
	if err != nil {
		return nil, &record.StoreError{Op: "find", Base: base, Collection: collection, Err: err}
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, &record.StoreError{Op: "find", Base: base, Collection: collection, Err: err}
	}

	records := make([]record.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := record.FromDocument(normalizeDocument(doc))
		if err != nil {
			return nil, fmt.Errorf("error decoding document from %s/%s: %w", base, collection, err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *MongoRecordStore) Exists(ctx context.Context, base, collection string, filter record.Filter) (bool, error) {
	db, err := s.database(base)
	if err != nil {
		return false, err
	}

	opts := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})
	err = db.Collection(collection).FindOne(ctx, BuildMongoFilter(filter), opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, &record.StoreError{Op: "exists", Base: base, Collection: collection, Err: err}
	}
	return true, nil
}

func (s *MongoRecordStore) CollectionNames(ctx context.Context, base string) ([]string, error) {
	db, err := s.database(base)
	if err != nil {
		return nil, err
	}

	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, &record.StoreError{Op: "listCollections", Base: base, Err: err}
	}
	sort.Strings(names)
	return names, nil
}

// Close disconnects every client
func (s *MongoRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []string
	for name, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
		cancel()
	}
	s.clients = map[string]*mongo.Client{}
	s.dbs = map[string]*mongo.Database{}

	if len(errs) > 0 {
		return fmt.Errorf("error disconnecting record store: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildMongoFilter translates a record.Filter into a find document
func BuildMongoFilter(f record.Filter) bson.M {
	filter := bson.M{"LocationId": f.LocationID}

	switch {
	case f.Source.IsPattern():
		filter["SourceId"] = bson.M{"$regex": f.Source.Value()}
	case !f.Source.IsAny():
		filter["SourceId"] = f.Source.Value()
	}

	for field, value := range f.Fields {
		filter[field] = value
	}

	lo, hi := f.Bounds()
	lower := "$gt"
	if f.IncludeStart {
		lower = "$gte"
	}
	filter[f.TimeField.Path()] = bson.M{lower: lo, "$lt": hi}

	return filter
}

// normalizeDocument converts driver types into the plain values
// record.FromDocument expects
func normalizeDocument(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case bson.M:
		return normalizeDocument(x)
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		list := make([]any, len(x))
		for i, e := range x {
			list[i] = normalizeValue(e)
		}
		return list
	case []any:
		list := make([]any, len(x))
		for i, e := range x {
			list[i] = normalizeValue(e)
		}
		return list
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case bson.ObjectID:
		return x.Hex()
	case bson.DateTime:
		return float64(int64(x))
	default:
		return v
	}
}
