package pebble

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fgrzl/callstream/pkg/storage"
)

// PebbleStoreOptions configures where tenant databases are created.
type PebbleStoreOptions struct {
	Path string
}

// StoreFactory creates one pebble database per tenant under a common root.
type StoreFactory struct {
	options *PebbleStoreOptions
}

// NewStoreFactory validates options.
func NewStoreFactory(options *PebbleStoreOptions) (*StoreFactory, error) {
	if options == nil || options.Path == "" {
		return nil, errors.New("pebble store factory: path is required")
	}
	return &StoreFactory{options: options}, nil
}

func (f *StoreFactory) NewStore(ctx context.Context, tenant string) (storage.Store, error) {
	return NewPebbleStore(filepath.Join(f.options.Path, tenant))
}
