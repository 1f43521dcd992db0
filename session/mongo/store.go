// Package mongo provides a MongoDB-backed session.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/orbit/session"
)

const defaultCollection = "orbit_sessions"

type (
	// Options configures the Mongo store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection is the collection name. Defaults to "orbit_sessions".
		Collection string
	}

	// Store implements session.Store on a single collection keyed by _id.
	// Expiry rides a TTL index on expires_at; because the TTL monitor reaps
	// on a coarse schedule, every read additionally filters expired
	// documents.
	Store struct {
		client *mongodriver.Client
		coll   *mongodriver.Collection
	}

	document struct {
		Key       string     `bson:"_id"`
		Value     []byte     `bson:"value,omitempty"`
		Counter   *int64     `bson:"counter,omitempty"`
		ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	}
)

// New returns a Store and ensures the TTL index exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := opts.Client.Database(opts.Database).Collection(name)
	ttlIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := coll.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return nil, fmt.Errorf("create ttl index: %w", err)
	}
	return &Store{client: opts.Client, coll: coll}, nil
}

// Put implements session.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	set := bson.M{"value": value}
	unset := bson.M{"counter": ""}
	if ttl > 0 {
		set["expires_at"] = time.Now().UTC().Add(ttl)
	} else {
		unset["expires_at"] = ""
	}
	update := bson.M{"$set": set, "$unset": unset}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": key}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo put %s: %w", key, err)
	}
	return nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := s.coll.FindOne(ctx, liveFilter(key)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, session.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo get %s: %w", key, err)
	}
	if doc.Value == nil && doc.Counter != nil {
		return []byte(strconv.FormatInt(*doc.Counter, 10)), nil
	}
	return doc.Value, nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, liveFilter(key))
	if err != nil {
		return false, fmt.Errorf("mongo delete %s: %w", key, err)
	}
	return res.DeletedCount > 0, nil
}

// Exists implements session.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, liveFilter(key))
	if err != nil {
		return false, fmt.Errorf("mongo exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys implements session.Store. Glob patterns are compiled to anchored
// regular expressions.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	filter := liveOnly()
	filter["_id"] = bson.M{"$regex": globToRegex(pattern)}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo keys %s: %w", pattern, err)
	}
	defer cur.Close(ctx) // nolint: errcheck
	var keys []string
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo keys %s: %w", pattern, err)
		}
		keys = append(keys, doc.Key)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo keys %s: %w", pattern, err)
	}
	return keys, nil
}

// Incr implements session.Store.
func (s *Store) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	update := bson.M{"$inc": bson.M{"counter": delta}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc document
	if err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("mongo incr %s: %w", key, err)
	}
	if doc.Counter == nil {
		return 0, fmt.Errorf("mongo incr %s: counter missing", key)
	}
	return *doc.Counter, nil
}

// Apply implements session.Store. The batch is submitted as one ordered bulk
// write, so Mongo processes it in a single command. Standalone deployments
// lack multi-document transactions; a concurrent reader may briefly observe a
// prefix of the batch.
func (s *Store) Apply(ctx context.Context, ops []session.Op) error {
	if len(ops) == 0 {
		return nil
	}
	models := make([]mongodriver.WriteModel, 0, len(ops))
	for _, op := range ops {
		if op.Delete {
			models = append(models, mongodriver.NewDeleteOneModel().SetFilter(bson.M{"_id": op.Key}))
			continue
		}
		set := bson.M{"value": op.Value}
		unset := bson.M{"counter": ""}
		if op.TTL > 0 {
			set["expires_at"] = time.Now().UTC().Add(op.TTL)
		} else {
			unset["expires_at"] = ""
		}
		models = append(models, mongodriver.NewUpdateOneModel().
			SetFilter(bson.M{"_id": op.Key}).
			SetUpdate(bson.M{"$set": set, "$unset": unset}).
			SetUpsert(true))
	}
	if _, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("mongo bulk write: %w", err)
	}
	return nil
}

// Expire implements session.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var update bson.M
	if ttl > 0 {
		update = bson.M{"$set": bson.M{"expires_at": time.Now().UTC().Add(ttl)}}
	} else {
		update = bson.M{"$unset": bson.M{"expires_at": ""}}
	}
	res, err := s.coll.UpdateOne(ctx, liveFilter(key), update)
	if err != nil {
		return fmt.Errorf("mongo expire %s: %w", key, err)
	}
	if res.MatchedCount == 0 {
		return session.ErrKeyNotFound
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// liveOnly matches documents that are unexpired or have no expiry.
func liveOnly() bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$exists": false}},
		bson.M{"expires_at": bson.M{"$gt": time.Now().UTC()}},
	}}
}

func liveFilter(key string) bson.M {
	filter := liveOnly()
	filter["_id"] = key
	return filter
}

// globToRegex compiles a '*' glob into an anchored regular expression.
func globToRegex(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

var _ session.Store = (*Store)(nil)
