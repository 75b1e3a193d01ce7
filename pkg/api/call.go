package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fgrzl/lexkey"
	"github.com/google/uuid"
)

// Key identifies a remote computation. Equal calls produce equal keys, so a
// Key can be used directly as a map key or compared with ==.
type Key = uuid.UUID

var callNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("callstream://api/v1/call"))

// Call describes a remote procedure invocation with its encoded arguments.
// A Call is treated as immutable once it has been handed to a stream.
type Call struct {
	Service   string            `json:"service"`
	Procedure string            `json:"procedure"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// NewProcedureCall builds a call to service.procedure, JSON encoding each argument.
func NewProcedureCall(service, procedure string, args ...any) (*Call, error) {
	encoded, err := encodeArguments(args)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", service, procedure, err)
	}
	return &Call{Service: service, Procedure: procedure, Arguments: encoded}, nil
}

// NewPropertyGetter builds a call that reads a service property.
func NewPropertyGetter(service, property string) *Call {
	return &Call{Service: service, Procedure: GETTER + "_" + property}
}

// NewPropertySetter builds a call that writes a service property.
func NewPropertySetter(service, property string, value any) (*Call, error) {
	return NewProcedureCall(service, SETTER+"_"+property, value)
}

// NewMethodCall builds a call to a method of a remote object. The object id is
// passed as the first argument.
func NewMethodCall(service, class, method string, objectID uint64, args ...any) (*Call, error) {
	return NewProcedureCall(service, class+"_"+method, append([]any{objectID}, args...)...)
}

// NewStaticMethodCall builds a call to a static method of a remote class.
func NewStaticMethodCall(service, class, method string, args ...any) (*Call, error) {
	return NewProcedureCall(service, class+"_"+STATIC+"_"+method, args...)
}

// NewClassPropertyGetter builds a call that reads a property of a remote object.
func NewClassPropertyGetter(service, class, property string, objectID uint64) *Call {
	arg, _ := json.Marshal(objectID)
	return &Call{
		Service:   service,
		Procedure: class + "_" + GETTER + "_" + property,
		Arguments: []json.RawMessage{arg},
	}
}

// Key returns the content hash of the call. Arguments are compared by their
// compacted JSON encoding so insignificant whitespace does not split streams.
func (c *Call) Key() Key {
	return uuid.NewSHA1(callNamespace, c.canonical())
}

// Equal reports whether both calls denote the same remote computation.
func (c *Call) Equal(other *Call) bool {
	if c == nil || other == nil {
		return c == other
	}
	return bytes.Equal(c.canonical(), other.canonical())
}

func (c *Call) String() string {
	args := make([]string, len(c.Arguments))
	for i, arg := range c.Arguments {
		args[i] = string(arg)
	}
	return fmt.Sprintf("%s.%s(%s)", c.Service, c.Procedure, strings.Join(args, ", "))
}

func (c *Call) canonical() lexkey.LexKey {
	parts := make([]any, 0, len(c.Arguments)+4)
	parts = append(parts, CALL, c.Service, c.Procedure, uint64(len(c.Arguments)))
	for _, arg := range c.Arguments {
		parts = append(parts, compact(arg))
	}
	return lexkey.Encode(parts...)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func encodeArguments(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		encoded[i] = data
	}
	return encoded, nil
}
