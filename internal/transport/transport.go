// Package transport opens duplex byte streams to a GPS receiver.
//
// A Capability hides how the link is made: an RFCOMM socket to a paired
// Bluetooth receiver, a serial port (a bound /dev/rfcomm* or a USB
// receiver), or a simulated receiver for bench testing.
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Stream is an open duplex byte stream to the receiver.
type Stream interface {
	io.ReadWriteCloser
}

// Capability is the external collaborator that performs the actual connect.
type Capability interface {
	// Name returns a short human-readable name for logs and status.
	Name() string
	// Connect opens a stream to deviceID. It should honour ctx, but callers
	// must not rely on it: the link layer enforces its own timeout.
	Connect(ctx context.Context, deviceID string) (Stream, error)
	// ListenEnabled reports whether the radio or port layer is usable at all.
	ListenEnabled() bool
}

// Error is a connect, read, write or liveness failure on the transport.
type Error struct {
	Op     string // "connect", "read", "write", "silence"
	Device string
	Err    error
}

func (e *Error) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// OnceCloser wraps a Stream so Close may be called from several goroutines.
// Only the first call reaches the underlying stream.
func OnceCloser(s Stream) Stream {
	if s == nil {
		return nil
	}
	if _, ok := s.(*onceStream); ok {
		return s
	}
	return &onceStream{Stream: s}
}

type onceStream struct {
	Stream
	once sync.Once
	err  error
}

func (o *onceStream) Close() error {
	o.once.Do(func() { o.err = o.Stream.Close() })
	return o.err
}
