package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/fgrzl/json/polymorphic"
)

func init() {
	polymorphic.Register(func() *StartStream { return &StartStream{} })
	polymorphic.Register(func() *StopStream { return &StopStream{} })
	polymorphic.Register(func() *StreamStarted { return &StreamStarted{} })
	polymorphic.Register(func() *StreamUpdate { return &StreamUpdate{} })
}

// StreamID is the server assigned identifier of a remote stream.
type StreamID uint64

func (id StreamID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ─── Results ───────────────────────────────────────────────────────────────────

// ErrRemoteFailure matches any RemoteError with errors.Is.
var ErrRemoteFailure = errors.New("remote failure")

// RemoteError is a failure raised by the remote computation itself.
type RemoteError struct {
	Service    string `json:"service,omitempty"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Service, e.Name, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteFailure
}

// Result carries either a value or a remote error, never both.
type Result struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Error     *RemoteError    `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func ValueResult(value json.RawMessage) *Result {
	return &Result{Value: value}
}

func ErrorResult(err *RemoteError) *Result {
	return &Result{Error: err}
}

func (r *Result) Failed() bool {
	return r.Error != nil
}

// ─── Stream Messages ───────────────────────────────────────────────────────────

// StartStream asks the server to begin streaming the result of a call.
type StartStream struct {
	Call *Call `json:"call"`
}

func (m *StartStream) GetDiscriminator() string {
	return "callstream://api/v1/start_stream"
}

// StreamStarted acknowledges a StartStream with the assigned id and the first result.
type StreamStarted struct {
	StreamID StreamID `json:"stream_id"`
	Result   *Result  `json:"result,omitempty"`
}

func (m *StreamStarted) GetDiscriminator() string {
	return "callstream://api/v1/stream_started"
}

// StreamUpdate carries a new result for a running stream.
type StreamUpdate struct {
	StreamID StreamID `json:"stream_id"`
	Result   *Result  `json:"result"`
}

func (m *StreamUpdate) GetDiscriminator() string {
	return "callstream://api/v1/stream_update"
}

// StopStream asks the server to stop a running stream.
type StopStream struct {
	StreamID StreamID `json:"stream_id"`
}

func (m *StopStream) GetDiscriminator() string {
	return "callstream://api/v1/stop_stream"
}
