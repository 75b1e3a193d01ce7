package api

import "context"

type BidiStreamProvider interface {
	// CallStream initiates a bidirectional stream to a remote handler.
	// It returns a BidiStream that carries the initial message followed by
	// any number of replies in either direction.
	CallStream(context.Context, Routeable) (BidiStream, error)
}
