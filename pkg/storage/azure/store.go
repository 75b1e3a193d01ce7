package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/storage"
	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/lexkey"
	"github.com/fgrzl/timestamp"
	"github.com/golang/snappy"
)

// Error Constants
const (
	ErrTableCreation   = "failed to create table"
	ErrGetProperty     = "failed to get property"
	ErrPutProperty     = "failed to put property"
	ErrListProperties  = "failed to list properties"
	ErrUnmarshalEntity = "failed to unmarshal entity"
	ErrDecodeProperty  = "failed to decode property"
)

// entity is one property row. The partition is the service and the row is
// the property name, both lexkey encoded.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Value        []byte `json:"Value,omitempty"`
}

type AzureStore struct {
	client *aztables.Client
}

func NewAzureStore(ctx context.Context, client *aztables.Client) (*AzureStore, error) {
	store := &AzureStore{client: client}
	if err := store.createTableIfNotExists(ctx); err != nil {
		return nil, fmt.Errorf("create table if not exists failed: %w", err)
	}
	return store, nil
}

func (s *AzureStore) Close() {}

func (s *AzureStore) Get(ctx context.Context, service, name string) (json.RawMessage, error) {
	resp, err := s.client.GetEntity(ctx, partitionKey(service), rowKey(name), nil)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", ErrGetProperty, err)
	}

	property, err := decodeEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	return property.Value, nil
}

func (s *AzureStore) Put(ctx context.Context, service, name string, value json.RawMessage) error {
	data, err := json.Marshal(&storage.Property{
		Service:   service,
		Name:      name,
		Value:     value,
		Timestamp: timestamp.GetTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", ErrPutProperty, err)
	}

	updateOptions := &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}
	if _, err := s.client.UpsertEntity(ctx, mustMarshal(entity{
		PartitionKey: partitionKey(service),
		RowKey:       rowKey(name),
		Value:        snappy.Encode(nil, data),
	}), updateOptions); err != nil {
		return fmt.Errorf("%s: %w", ErrPutProperty, err)
	}
	return nil
}

func (s *AzureStore) Keys(ctx context.Context, service string) enumerators.Enumerator[string] {
	filter := fmt.Sprintf("PartitionKey eq '%s'", partitionKey(service))
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: &filter,
		Format: ptr(aztables.MetadataFormatNone),
	})

	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return enumerators.Error[string](fmt.Errorf("%s: %w", ErrListProperties, err))
		}
		for _, raw := range page.Entities {
			property, err := decodeEntity(raw)
			if err != nil {
				return enumerators.Error[string](err)
			}
			names = append(names, property.Name)
		}
	}
	return enumerators.Slice(names)
}

func (s *AzureStore) createTableIfNotExists(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &aztables.CreateTableOptions{})
	if err == nil {
		return nil
	}

	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) && responseErr.ErrorCode == string(aztables.TableAlreadyExists) {
		return nil
	}

	return fmt.Errorf("%s: %w", ErrTableCreation, err)
}

func partitionKey(service string) string {
	return lexkey.Encode(api.PROPERTY, service).ToHexString()
}

func rowKey(name string) string {
	return lexkey.Encode(name).ToHexString()
}

func decodeEntity(value []byte) (*storage.Property, error) {
	var e entity
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrUnmarshalEntity, err)
	}
	raw, err := snappy.Decode(nil, e.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrDecodeProperty, err)
	}
	property := &storage.Property{}
	if err := json.Unmarshal(raw, property); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrDecodeProperty, err)
	}
	return property, nil
}

func isNotFoundError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ResourceNotFound")
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return data
}

func ptr[T any](v T) *T {
	return &v
}
