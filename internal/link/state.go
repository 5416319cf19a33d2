package link

import (
	"errors"
	"time"
)

// State is the connection state owned by a Supervisor.
type State int32

const (
	StateNone State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// MarshalText lets State appear by name in JSON status.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrRetryExhausted is wrapped by the error passed to Sink.RetryExhausted.
	ErrRetryExhausted = errors.New("link: retry budget exhausted")
	// ErrTransportUnavailable is returned by ConnectTo when the radio or port
	// layer is not usable.
	ErrTransportUnavailable = errors.New("link: transport unavailable")
	// ErrNotConnected is wrapped by Write when there is no live stream.
	ErrNotConnected = errors.New("link: not connected")
)

// RetryBudget tracks the failed attempts of the current ConnectTo.
type RetryBudget struct {
	DeviceID       string        `json:"deviceId"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"maxAttempts"`
	AttemptTimeout time.Duration `json:"attemptTimeout"`
}

// Exhausted reports whether no attempts remain.
func (b RetryBudget) Exhausted() bool { return b.Attempts >= b.MaxAttempts }
