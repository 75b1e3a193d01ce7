package callstream

import (
	"context"
	"encoding/json"

	"github.com/fgrzl/callstream/pkg/stream"
)

// Stream is a Handle whose values decode into T.
type Stream[T any] struct {
	*stream.Handle
}

// AddStream subscribes to call and decodes its values as T.
func AddStream[T any](ctx context.Context, client Client, call *Call) (*Stream[T], error) {
	h, err := client.AddStream(ctx, call)
	if err != nil {
		return nil, err
	}
	return &Stream[T]{Handle: h}, nil
}

// Get returns the latest value decoded as T.
func (s *Stream[T]) Get() (T, error) {
	var v T
	raw, err := s.Handle.Get()
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}

// AddCallback registers fn for every successful update, decoded as T.
func (s *Stream[T]) AddCallback(fn func(T) error) CallbackID {
	return s.Handle.AddCallback(func(raw json.RawMessage) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		return fn(v)
	})
}
