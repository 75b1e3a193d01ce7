package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fgrzl/enumerators"
)

// ErrNotFound is returned by Get when a property has never been written.
var ErrNotFound = errors.New("property not found")

// StoreFactory defines how to create new storage instances by tenant.
type StoreFactory interface {
	NewStore(ctx context.Context, tenant string) (Store, error)
}

// Store persists service properties as raw JSON values.
type Store interface {
	Get(ctx context.Context, service, name string) (json.RawMessage, error)
	Put(ctx context.Context, service, name string, value json.RawMessage) error
	// Keys enumerates the property names of a service in key order.
	Keys(ctx context.Context, service string) enumerators.Enumerator[string]
	Close()
}

// Property is the stored form of a value in every backend.
type Property struct {
	Service   string          `json:"service"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}
