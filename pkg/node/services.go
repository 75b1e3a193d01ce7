package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/storage"
	"github.com/fgrzl/enumerators"
)

// ErrProcedureNotFound is returned by a Service that does not implement the
// requested procedure. The node then tries the next service with the same name.
var ErrProcedureNotFound = errors.New("procedure not found")

// Service evaluates procedures of one named remote service.
type Service interface {
	Name() string
	Invoke(ctx context.Context, procedure string, args []json.RawMessage) (json.RawMessage, error)
}

// ServiceFactory builds a service for a tenant node.
type ServiceFactory func(store storage.Store) Service

// Procedure is a single remotely callable function. Returned values are JSON
// encoded; a returned *api.RemoteError is passed to the client as is.
type Procedure func(ctx context.Context, args []json.RawMessage) (any, error)

// ProcedureService serves a fixed table of procedures.
type ProcedureService struct {
	name       string
	procedures map[string]Procedure
}

func NewProcedureService(name string, procedures map[string]Procedure) *ProcedureService {
	return &ProcedureService{name: name, procedures: procedures}
}

func (s *ProcedureService) Name() string {
	return s.name
}

func (s *ProcedureService) Invoke(ctx context.Context, procedure string, args []json.RawMessage) (json.RawMessage, error) {
	fn, ok := s.procedures[procedure]
	if !ok {
		return nil, ErrProcedureNotFound
	}
	value, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}

// ListProperties is the property service procedure that lists the names of
// the properties written so far, in key order.
const ListProperties = "ListProperties"

// PropertyService maps get_<name> and set_<name> onto a Store. Properties
// that were never written read as null.
type PropertyService struct {
	name  string
	store storage.Store
}

func NewPropertyService(name string, store storage.Store) *PropertyService {
	return &PropertyService{name: name, store: store}
}

// PropertyServiceFactory returns a ServiceFactory for a property service
// backed by the tenant store.
func PropertyServiceFactory(name string) ServiceFactory {
	return func(store storage.Store) Service {
		return NewPropertyService(name, store)
	}
}

func (s *PropertyService) Name() string {
	return s.name
}

func (s *PropertyService) Invoke(ctx context.Context, procedure string, args []json.RawMessage) (json.RawMessage, error) {
	switch {
	case strings.HasPrefix(procedure, api.GETTER+"_"):
		if len(args) != 0 {
			return nil, argumentError(procedure, 0, len(args))
		}
		value, err := s.store.Get(ctx, s.name, strings.TrimPrefix(procedure, api.GETTER+"_"))
		if errors.Is(err, storage.ErrNotFound) {
			return json.RawMessage("null"), nil
		}
		return value, err

	case strings.HasPrefix(procedure, api.SETTER+"_"):
		if len(args) != 1 {
			return nil, argumentError(procedure, 1, len(args))
		}
		if err := s.store.Put(ctx, s.name, strings.TrimPrefix(procedure, api.SETTER+"_"), args[0]); err != nil {
			return nil, err
		}
		return json.RawMessage("null"), nil

	case procedure == ListProperties:
		if len(args) != 0 {
			return nil, argumentError(procedure, 0, len(args))
		}
		names, err := enumerators.ToSlice(s.store.Keys(ctx, s.name))
		if err != nil {
			return nil, err
		}
		if names == nil {
			names = []string{}
		}
		return json.Marshal(names)

	default:
		return nil, ErrProcedureNotFound
	}
}

func argumentError(procedure string, want, got int) error {
	return &api.RemoteError{
		Name:    "ArgumentException",
		Message: fmt.Sprintf("%s takes %d arguments, got %d", procedure, want, got),
	}
}

// DecodeArgument unmarshals argument i of args into T.
func DecodeArgument[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, &api.RemoteError{
			Name:    "ArgumentException",
			Message: fmt.Sprintf("missing argument %d", i),
		}
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, &api.RemoteError{
			Name:    "ArgumentException",
			Message: fmt.Sprintf("argument %d: %v", i, err),
		}
	}
	return v, nil
}
