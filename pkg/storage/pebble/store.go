package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/storage"
	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/lexkey"
	"github.com/fgrzl/timestamp"
	"github.com/golang/snappy"
)

type PebbleStore struct {
	db        *pebble.DB
	closeOnce sync.Once
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	dbPath := filepath.Join(path, "properties")
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() {
	s.closeOnce.Do(func() {
		s.db.Close()
	})
}

func (s *PebbleStore) Get(ctx context.Context, service, name string) (json.RawMessage, error) {
	data, closer, err := s.db.Get(propertyKey(service, name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	property, err := decodeProperty(data)
	if err != nil {
		return nil, err
	}
	return property.Value, nil
}

func (s *PebbleStore) Put(ctx context.Context, service, name string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeProperty(&storage.Property{
		Service:   service,
		Name:      name,
		Value:     value,
		Timestamp: timestamp.GetTimestamp(),
	})
	if err != nil {
		return err
	}
	return s.db.Set(propertyKey(service, name), data, pebble.Sync)
}

func (s *PebbleStore) Keys(ctx context.Context, service string) enumerators.Enumerator[string] {
	iter, err := s.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lexkey.EncodeFirst(api.PROPERTY, service),
		UpperBound: lexkey.EncodeLast(api.PROPERTY, service),
	})
	if err != nil {
		return enumerators.Error[string](err)
	}
	defer iter.Close()

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		property, err := decodeProperty(iter.Value())
		if err != nil {
			return enumerators.Error[string](err)
		}
		names = append(names, property.Name)
	}
	if err := iter.Error(); err != nil {
		return enumerators.Error[string](err)
	}
	return enumerators.Slice(names)
}

func propertyKey(service, name string) lexkey.LexKey {
	return lexkey.Encode(api.PROPERTY, service, name)
}

func encodeProperty(property *storage.Property) ([]byte, error) {
	data, err := json.Marshal(property)
	if err != nil {
		return nil, fmt.Errorf("encode property: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func decodeProperty(data []byte) (*storage.Property, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decode property: %w", err)
	}
	property := &storage.Property{}
	if err := json.Unmarshal(raw, property); err != nil {
		return nil, fmt.Errorf("decode property: %w", err)
	}
	return property, nil
}
