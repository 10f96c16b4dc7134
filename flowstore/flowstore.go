// Package flowstore persists flow definitions independently of sessions:
// named records with immutable numbered versions, one of which may be
// published as active. Sessions bind the active version at creation time
// and are unaffected by later edits.
package flowstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/flow"
)

type (
	// Record is a stored flow definition.
	Record struct {
		ID         string       `json:"id" bson:"_id"`
		Name       string       `json:"name" bson:"name"`
		Version    int          `json:"version" bson:"version"`
		Published  bool         `json:"published" bson:"published"`
		Definition *flow.Config `json:"definition" bson:"definition"`
		CreatedAt  time.Time    `json:"created_at" bson:"created_at"`
		UpdatedAt  time.Time    `json:"updated_at" bson:"updated_at"`
	}

	// Version is one immutable snapshot of a flow definition.
	Version struct {
		FlowID     string       `json:"flow_id" bson:"flow_id"`
		Version    int          `json:"version" bson:"version"`
		Definition *flow.Config `json:"definition" bson:"definition"`
		CreatedAt  time.Time    `json:"created_at" bson:"created_at"`
	}

	// Repository is the flow persistence port. Update appends a new version;
	// Publish makes a stored version the active definition.
	Repository interface {
		Create(ctx context.Context, name string, def *flow.Config) (*Record, error)
		Get(ctx context.Context, id string) (*Record, error)
		List(ctx context.Context) ([]*Record, error)
		Update(ctx context.Context, id string, def *flow.Config) (*Record, error)
		Delete(ctx context.Context, id string) error
		Publish(ctx context.Context, id string, version int) (*Record, error)
		Versions(ctx context.Context, id string) ([]*Version, error)
	}

	// Memory is an in-process Repository for deployments without a
	// persistent flow database.
	Memory struct {
		mu       sync.Mutex
		records  map[string]*Record
		versions map[string][]*Version
	}
)

// ErrNotFound is returned when a flow record or version does not exist.
var ErrNotFound = errors.New("flow not found")

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*Record),
		versions: make(map[string][]*Version),
	}
}

// Create stores a new flow as version 1, published.
func (m *Memory) Create(_ context.Context, name string, def *flow.Config) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		ID:         uuid.NewString(),
		Name:       name,
		Version:    1,
		Published:  true,
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.versions[rec.ID] = []*Version{{FlowID: rec.ID, Version: 1, Definition: def, CreatedAt: now}}
	m.mu.Unlock()
	return rec, nil
}

// Get returns a flow record by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// List returns all flow records sorted by name.
func (m *Memory) List(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update appends a new version and makes it the active definition.
func (m *Memory) Update(_ context.Context, id string, def *flow.Config) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	rec.Version++
	rec.Definition = def
	rec.UpdatedAt = now
	m.versions[id] = append(m.versions[id], &Version{FlowID: id, Version: rec.Version, Definition: def, CreatedAt: now})
	cp := *rec
	return &cp, nil
}

// Delete removes the record and its versions.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	delete(m.versions, id)
	return nil
}

// Publish makes the given stored version the active definition.
func (m *Memory) Publish(_ context.Context, id string, version int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, v := range m.versions[id] {
		if v.Version == version {
			rec.Version = v.Version
			rec.Definition = v.Definition
			rec.Published = true
			rec.UpdatedAt = time.Now().UTC()
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Versions lists the stored versions in ascending order.
func (m *Memory) Versions(_ context.Context, id string) ([]*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Version, len(vs))
	copy(out, vs)
	return out, nil
}
