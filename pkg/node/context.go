package node

import (
	"context"

	"github.com/google/uuid"
)

// channelKey is an unexported type for context keys in this package.
type channelKey struct{}

type authorizerKey struct{}

// Authorizer decides which services a connection may stream from.
type Authorizer interface {
	CanAccessService(service string) bool
}

// WithChannelID returns a new context with the given channelID attached.
func WithChannelID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, channelKey{}, id)
}

// ChannelIDFromContext retrieves the channelID from the context, if present.
func ChannelIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(channelKey{}).(uuid.UUID)
	return id, ok
}

// WithAuthorizer attaches the connection's Authorizer to ctx.
func WithAuthorizer(ctx context.Context, a Authorizer) context.Context {
	return context.WithValue(ctx, authorizerKey{}, a)
}

// AuthorizerFromContext retrieves the Authorizer from the context, if present.
func AuthorizerFromContext(ctx context.Context) (Authorizer, bool) {
	a, ok := ctx.Value(authorizerKey{}).(Authorizer)
	return a, ok
}
