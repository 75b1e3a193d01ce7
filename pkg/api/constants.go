package api

const (
	// Prefixes for encoded keys.
	CALL     = "CALL"
	PROPERTY = "PROP"

	// Procedure name parts used by the call constructors.
	GETTER = "get"
	SETTER = "set"
	STATIC = "static"
)
