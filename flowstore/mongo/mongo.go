// Package mongo implements the flow repository on MongoDB. Flow records
// live in one collection keyed by ID; every saved definition is also
// appended to a versions collection so earlier revisions can be republished.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/flowstore"
)

type (
	// Repository is a MongoDB-backed flowstore.Repository.
	Repository struct {
		flows    *mongo.Collection
		versions *mongo.Collection
	}

	// Option configures optional Repository behavior.
	Option func(*config)

	config struct {
		database string
	}

	flowDoc struct {
		ID        string    `bson:"_id"`
		Name      string    `bson:"name"`
		Version   int       `bson:"version"`
		Published bool      `bson:"published"`
		Config    []byte    `bson:"config"`
		CreatedAt time.Time `bson:"created_at"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	versionDoc struct {
		FlowID    string    `bson:"flow_id"`
		Version   int       `bson:"version"`
		Config    []byte    `bson:"config"`
		CreatedAt time.Time `bson:"created_at"`
	}
)

const (
	defaultDatabase     = "convoflow"
	flowsCollection     = "flows"
	versionsCollection  = "flow_versions"
	connectivityTimeout = 5 * time.Second
)

var _ flowstore.Repository = (*Repository)(nil)

// WithDatabase overrides the database name. Defaults to "convoflow".
func WithDatabase(name string) Option {
	return func(c *config) { c.database = name }
}

// New builds a repository over the given client and verifies connectivity.
func New(ctx context.Context, client *mongo.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	cfg := config{database: defaultDatabase}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectivityTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(cfg.database)
	r := &Repository{
		flows:    db.Collection(flowsCollection),
		versions: db.Collection(versionsCollection),
	}
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "flow_id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := r.versions.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("create version index: %w", err)
	}
	return r, nil
}

// Create stores a new flow as version 1, published.
func (r *Repository) Create(ctx context.Context, name string, def *flow.Config) (*flowstore.Record, error) {
	raw, err := encodeConfig(def)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	doc := flowDoc{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   1,
		Published: true,
		Config:    raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := r.flows.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert flow: %w", err)
	}
	vdoc := versionDoc{FlowID: doc.ID, Version: 1, Config: raw, CreatedAt: now}
	if _, err := r.versions.InsertOne(ctx, vdoc); err != nil {
		return nil, fmt.Errorf("insert flow version: %w", err)
	}
	return doc.record()
}

// Get returns a flow record by ID.
func (r *Repository) Get(ctx context.Context, id string) (*flowstore.Record, error) {
	var doc flowDoc
	err := r.flows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, flowstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find flow: %w", err)
	}
	return doc.record()
}

// List returns all flow records sorted by name.
func (r *Repository) List(ctx context.Context) ([]*flowstore.Record, error) {
	cur, err := r.flows.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer cur.Close(ctx)
	var out []*flowstore.Record
	for cur.Next(ctx) {
		var doc flowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
		}
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return out, nil
}

// Update appends a new version and makes it the active definition.
func (r *Repository) Update(ctx context.Context, id string, def *flow.Config) (*flowstore.Record, error) {
	var doc flowDoc
	err := r.flows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, flowstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find flow: %w", err)
	}
	raw, err := encodeConfig(def)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	doc.Version++
	doc.Config = raw
	doc.UpdatedAt = now
	if _, err := r.flows.ReplaceOne(ctx, bson.M{"_id": id}, doc); err != nil {
		return nil, fmt.Errorf("replace flow: %w", err)
	}
	vdoc := versionDoc{FlowID: id, Version: doc.Version, Config: raw, CreatedAt: now}
	if _, err := r.versions.InsertOne(ctx, vdoc); err != nil {
		return nil, fmt.Errorf("insert flow version: %w", err)
	}
	return doc.record()
}

// Delete removes the record and its versions.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.flows.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if res.DeletedCount == 0 {
		return flowstore.ErrNotFound
	}
	if _, err := r.versions.DeleteMany(ctx, bson.M{"flow_id": id}); err != nil {
		return fmt.Errorf("delete flow versions: %w", err)
	}
	return nil
}

// Publish makes the given stored version the active definition.
func (r *Repository) Publish(ctx context.Context, id string, version int) (*flowstore.Record, error) {
	var vdoc versionDoc
	err := r.versions.FindOne(ctx, bson.M{"flow_id": id, "version": version}).Decode(&vdoc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, flowstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find flow version: %w", err)
	}
	update := bson.M{"$set": bson.M{
		"version":    vdoc.Version,
		"config":     vdoc.Config,
		"published":  true,
		"updated_at": time.Now().UTC(),
	}}
	res, err := r.flows.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return nil, fmt.Errorf("publish flow: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, flowstore.ErrNotFound
	}
	return r.Get(ctx, id)
}

// Versions lists the stored versions in ascending order.
func (r *Repository) Versions(ctx context.Context, id string) ([]*flowstore.Version, error) {
	cur, err := r.versions.Find(ctx, bson.M{"flow_id": id}, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list flow versions: %w", err)
	}
	defer cur.Close(ctx)
	var out []*flowstore.Version
	for cur.Next(ctx) {
		var doc versionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode flow version: %w", err)
		}
		def, err := decodeConfig(doc.Config)
		if err != nil {
			return nil, err
		}
		out = append(out, &flowstore.Version{
			FlowID:     doc.FlowID,
			Version:    doc.Version,
			Definition: def,
			CreatedAt:  doc.CreatedAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow versions: %w", err)
	}
	if len(out) == 0 {
		return nil, flowstore.ErrNotFound
	}
	return out, nil
}

func (d flowDoc) record() (*flowstore.Record, error) {
	def, err := decodeConfig(d.Config)
	if err != nil {
		return nil, err
	}
	return &flowstore.Record{
		ID:         d.ID,
		Name:       d.Name,
		Version:    d.Version,
		Published:  d.Published,
		Definition: def,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

// Flow definitions are stored as their JSON wire form rather than BSON so
// the stored bytes match what the authoring API accepts and returns.
func encodeConfig(def *flow.Config) ([]byte, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode flow config: %w", err)
	}
	return raw, nil
}

func decodeConfig(raw []byte) (*flow.Config, error) {
	cfg, err := flow.ParseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode flow config: %w", err)
	}
	return cfg, nil
}
