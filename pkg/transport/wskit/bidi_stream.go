package wskit

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/fgrzl/json/polymorphic"
)

// ErrConnectionClosed is reported by every open stream when the underlying
// websocket goes away.
var ErrConnectionClosed = errors.New("websocket connection closed")

// frame is the payload of a MuxerMsg. A frame either carries one encoded
// message or marks the end of the sender's side of the stream.
type frame struct {
	Data  json.RawMessage `json:"data,omitempty"`
	EOS   bool            `json:"eos,omitempty"`
	Error string          `json:"error,omitempty"`
}

// MuxerBidiStream is one logical stream on a WebSocketMuxer.
type MuxerBidiStream struct {
	sendFn  func([]byte) error
	cleanup func()
	recv    chan []byte
	closed  chan struct{}

	mu         sync.Mutex
	err        error
	sendClosed bool
	closeOnce  sync.Once
}

func NewMuxerBidiStream(sendFn func([]byte) error, cleanup func()) *MuxerBidiStream {
	return &MuxerBidiStream{
		sendFn:  sendFn,
		cleanup: cleanup,
		recv:    make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// RecvChan is fed by the muxer read loop.
func (s *MuxerBidiStream) RecvChan() chan<- []byte {
	return s.recv
}

// Encode sends m. Polymorphic messages are wrapped in an envelope so the
// receiver can decode them without knowing the concrete type.
func (s *MuxerBidiStream) Encode(m any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return io.ErrClosedPipe
	}

	if p, ok := m.(polymorphic.Polymorphic); ok {
		m = polymorphic.NewEnvelope(p)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.send(&frame{Data: data})
}

// Decode blocks for the next message. It returns EndOfStreamError when the
// peer closed its side cleanly.
func (s *MuxerBidiStream) Decode(m any) error {
	var payload []byte
	select {
	case payload = <-s.recv:
	case <-s.closed:
		// drain anything that raced with close
		select {
		case payload = <-s.recv:
		default:
			return s.closedErr()
		}
	}

	f := &frame{}
	if err := json.Unmarshal(payload, f); err != nil {
		return err
	}
	if f.EOS {
		if f.Error != "" {
			return errors.New(f.Error)
		}
		return s.EndOfStreamError()
	}
	return json.Unmarshal(f.Data, m)
}

// CloseSend ends the local side of the stream, optionally with an error the
// peer will see from Decode.
func (s *MuxerBidiStream) CloseSend(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true

	f := &frame{EOS: true}
	if err != nil {
		f.Error = err.Error()
	}
	return s.send(f)
}

// Close ends both sides and unregisters the stream from its muxer.
func (s *MuxerBidiStream) Close(err error) {
	_ = s.CloseSend(err)
	s.terminate(err)
}

func (s *MuxerBidiStream) EndOfStreamError() error {
	return io.EOF
}

// terminate releases local waiters without telling the peer.
func (s *MuxerBidiStream) terminate(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.sendClosed = true
		s.err = err
		s.mu.Unlock()
		close(s.closed)
		if s.cleanup != nil {
			s.cleanup()
		}
	})
}

func (s *MuxerBidiStream) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return s.EndOfStreamError()
}

func (s *MuxerBidiStream) send(f *frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.sendFn(payload)
}
