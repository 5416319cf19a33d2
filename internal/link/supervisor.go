// Package link supervises the connection to a GPS receiver: bounded
// connect retries, a per-session reader, and silence detection.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/gps"
	"github.com/shaunagostinho/gpsbridge/internal/transport"
)

// Sink receives connection events. Calls come from the watchdog and reader
// goroutines; implementations must return promptly once ctx is done.
type Sink interface {
	Connected(ctx context.Context, deviceID string)
	Data(ctx context.Context, lines []string)
	ConnectionLost(ctx context.Context, deviceID string, err error)
	RetryExhausted(ctx context.Context, deviceID string, err error)
}

// Config tunes retry and liveness behaviour.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"maxAttempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attemptTimeout"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retryDelay"`
	// MaxActivityTimeout is the silence limit in multiples of the refresh rate.
	MaxActivityTimeout int `yaml:"max_activity_timeout" json:"maxActivityTimeout"`
	ReadBufferSize     int `yaml:"read_buffer_size" json:"readBufferSize"`
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		AttemptTimeout:     13 * time.Second,
		RetryDelay:         time.Second,
		MaxActivityTimeout: 5,
		ReadBufferSize:     4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MaxActivityTimeout <= 0 {
		c.MaxActivityTimeout = d.MaxActivityTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	return c
}

// Supervisor owns the connection state machine. At most one watchdog and
// one reader run at a time; each ConnectTo starts a new session generation
// and anything reported by an older generation is ignored.
type Supervisor struct {
	cap  transport.Capability
	sink Sink
	cfg  Config
	log  *zap.Logger

	connectMu sync.Mutex // serializes ConnectTo

	mu         sync.Mutex
	state      State
	want       bool // false after Stop or retry exhaustion
	gen        uint64
	budget     RetryBudget
	lastDevice string
	cancel     context.CancelFunc
	stream     transport.Stream
	done       chan struct{} // closed when the session goroutine exits

	refreshRate atomic.Int64
}

// NewSupervisor creates a Supervisor in StateNone.
func NewSupervisor(c transport.Capability, sink Sink, cfg Config, log *zap.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cap:  c,
		sink: sink,
		cfg:  cfg,
		log:  log,
		budget: RetryBudget{
			MaxAttempts:    cfg.MaxAttempts,
			AttemptTimeout: cfg.AttemptTimeout,
		},
	}
	s.refreshRate.Store(int64(gps.MaxRefreshRate))
	return s
}

// Start moves NONE to LISTENING if the capability is usable.
func (s *Supervisor) Start() bool {
	if !s.cap.ListenEnabled() {
		s.log.Info("link: transport not enabled", zap.String("transport", s.cap.Name()))
		return false
	}
	s.mu.Lock()
	if s.state == StateNone {
		s.state = StateListening
	}
	s.mu.Unlock()
	return true
}

// ConnectTo tears down any current session and starts connecting to
// deviceID with a fresh retry budget.
func (s *Supervisor) ConnectTo(deviceID string) error {
	return s.connect(deviceID, 0, false)
}

func (s *Supervisor) connect(deviceID string, from uint64, reconnect bool) error {
	if deviceID == "" {
		return errors.New("link: empty device id")
	}
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if reconnect && (s.gen != from || !s.want) {
		s.mu.Unlock()
		return nil
	}
	none := s.state == StateNone
	s.mu.Unlock()
	if none && !s.cap.ListenEnabled() {
		return ErrTransportUnavailable
	}

	s.mu.Lock()
	if reconnect && (s.gen != from || !s.want) {
		s.mu.Unlock()
		return nil
	}
	prev := s.teardownLocked()
	gen := s.gen
	s.mu.Unlock()
	if prev != nil {
		<-prev
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Stopped while the previous session was draining.
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.want = true
	s.lastDevice = deviceID
	s.state = StateConnecting
	s.budget = RetryBudget{
		DeviceID:       deviceID,
		MaxAttempts:    s.cfg.MaxAttempts,
		AttemptTimeout: s.cfg.AttemptTimeout,
	}
	go s.watchdog(ctx, gen, deviceID, done)
	return nil
}

// Stop cancels the watchdog, closes any stream and forces NONE. It is
// safe to call repeatedly.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.want = false
	prev := s.teardownLocked()
	s.state = StateNone
	s.mu.Unlock()
	if prev != nil {
		<-prev
	}
}

// teardownLocked ends the current session. The caller waits on the returned
// channel, if any, after releasing mu.
func (s *Supervisor) teardownLocked() chan struct{} {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	done := s.done
	s.done = nil
	return done
}

// Write sends p to the receiver. Failures are reported but never cause a
// reconnect.
func (s *Supervisor) Write(p []byte) error {
	s.mu.Lock()
	st, state, dev := s.stream, s.state, s.lastDevice
	s.mu.Unlock()
	if state != StateConnected || st == nil {
		return &transport.Error{Op: "write", Device: dev, Err: ErrNotConnected}
	}
	if _, err := st.Write(p); err != nil {
		s.log.Warn("link: write failed", zap.String("device", dev), zap.Error(err))
		return &transport.Error{Op: "write", Device: dev, Err: err}
	}
	return nil
}

// SetRefreshRate updates the read pacing and silence window.
func (s *Supervisor) SetRefreshRate(d time.Duration) {
	s.refreshRate.Store(int64(gps.ClampRefreshRate(d)))
}

// RefreshRate returns the current pacing interval.
func (s *Supervisor) RefreshRate() time.Duration {
	return time.Duration(s.refreshRate.Load())
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Budget returns a copy of the current retry budget.
func (s *Supervisor) Budget() RetryBudget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

// watchdog dials until connected or out of attempts, then runs the reader
// for the session it opened.
func (s *Supervisor) watchdog(ctx context.Context, gen uint64, deviceID string, done chan struct{}) {
	defer close(done)
	log := s.log.With(zap.String("device", deviceID), zap.Uint64("session", gen))

	var lastErr error
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		if s.budget.Exhausted() {
			s.state = StateNone
			s.want = false
			attempts := s.budget.Attempts
			s.mu.Unlock()
			err := fmt.Errorf("%w: %s after %d attempts: %v", ErrRetryExhausted, deviceID, attempts, lastErr)
			log.Error("link: giving up", zap.Error(err))
			s.sink.RetryExhausted(ctx, deviceID, err)
			return
		}
		attempt := s.budget.Attempts + 1
		s.mu.Unlock()

		log.Info("link: connecting", zap.Int("attempt", attempt), zap.Int("max", s.cfg.MaxAttempts))
		stream, err := s.dial(ctx, deviceID)
		if err == nil {
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				_ = stream.Close()
				return
			}
			s.stream = stream
			s.state = StateConnected
			s.mu.Unlock()

			log.Info("link: connected", zap.Int("attempt", attempt))
			s.sink.Connected(ctx, deviceID)
			s.read(ctx, gen, deviceID, stream)
			return
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		log.Warn("link: connect failed", zap.Int("attempt", attempt), zap.Error(err))
		s.mu.Lock()
		if s.gen == gen {
			s.budget.Attempts++
		}
		exhausted := s.budget.Exhausted()
		s.mu.Unlock()
		if exhausted {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// dial runs one connect attempt with a hard timeout. A stream that arrives
// after the timeout is closed.
func (s *Supervisor) dial(ctx context.Context, deviceID string) (transport.Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	type result struct {
		stream transport.Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := s.cap.Connect(dctx, deviceID)
		ch <- result{st, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.stream == nil {
			return nil, &transport.Error{Op: "connect", Device: deviceID, Err: errors.New("no stream")}
		}
		return transport.OnceCloser(r.stream), nil
	case <-dctx.Done():
		go func() {
			if r := <-ch; r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transport.Error{Op: "connect", Device: deviceID,
			Err: fmt.Errorf("timed out after %s", s.cfg.AttemptTimeout)}
	}
}

// handleFailedConnection is called once by the reader of session gen when
// its stream failed. A stale or stopped session is ignored; otherwise the
// last device is reconnected with a fresh budget.
func (s *Supervisor) handleFailedConnection(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.want {
		s.mu.Unlock()
		return
	}
	device := s.lastDevice
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.log.Warn("link: connection lost", zap.String("device", device), zap.Error(err))
	s.sink.ConnectionLost(ctx, device, err)

	// The reconnect waits for this session to exit, so it cannot run here.
	go func() {
		if err := s.connect(device, gen, true); err != nil {
			s.log.Error("link: reconnect", zap.String("device", device), zap.Error(err))
		}
	}()
}
