// Package provider is the bridge's facade: a single goroutine that owns the
// enabled state, the listeners, and the latest fix, and that every other
// component talks to by posting messages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/gps"
	"github.com/shaunagostinho/gpsbridge/internal/link"
	"github.com/shaunagostinho/gpsbridge/internal/transport"
)

// ErrClosed is returned once Run has exited.
var ErrClosed = errors.New("provider: closed")

const inboxSize = 256

// DeviceStore persists the receiver identity between runs.
type DeviceStore interface {
	DeviceID(ctx context.Context) (string, error)
	SetDeviceID(ctx context.Context, id string) error
}

// Options configures a Provider.
type Options struct {
	Capability transport.Capability
	Link       link.Config
	Store      DeviceStore
	Log        *zap.Logger
	Now        func() time.Time
}

// Status is a point-in-time view of the provider.
type Status struct {
	Enabled       bool                 `json:"enabled"`
	Transport     string               `json:"transport"`
	State         link.State           `json:"state"`
	DeviceID      string               `json:"deviceId"`
	Budget        link.RetryBudget     `json:"budget"`
	Fix           *gps.Fix             `json:"fix,omitempty"`
	Satellites    *gps.SatelliteStatus `json:"satellites,omitempty"`
	RefreshRateMs int64                `json:"refreshRateMs"`
	TTFFMs        int64                `json:"ttffMs,omitempty"`
	Listeners     int                  `json:"listeners"`
}

// Provider runs the coordination loop.
type Provider struct {
	inbox chan message
	done  chan struct{}

	cap   transport.Capability
	sup   *link.Supervisor
	store DeviceStore
	dec   *gps.Decoder
	reg   *Registry
	log   *zap.Logger
	now   func() time.Time

	// Loop-owned.
	enabled   bool
	deviceID  string
	enabledAt time.Time
	ttff      time.Duration
	firstFix  bool
	fix       *gps.Fix
	sats      *gps.SatelliteStatus
	satGen    uint64
}

// New creates a Provider. Nothing happens until Run is called.
func New(opts Options) *Provider {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Provider{
		inbox: make(chan message, inboxSize),
		done:  make(chan struct{}),
		cap:   opts.Capability,
		store: opts.Store,
		dec:   gps.NewDecoder(),
		log:   log,
		now:   now,
	}
	p.reg = NewRegistry(log)
	p.sup = link.NewSupervisor(opts.Capability, sink{p}, opts.Link, log.Named("link"))
	return p
}

// Run processes messages until ctx is done, then stops the link.
func (p *Provider) Run(ctx context.Context) {
	p.log.Info("provider: running", zap.String("transport", p.cap.Name()))
	defer p.log.Info("provider: stopped")
	for {
		select {
		case <-ctx.Done():
			close(p.done)
			p.sup.Stop()
			return
		case m := <-p.inbox:
			p.handle(ctx, m)
		}
	}
}

// post queues m in FIFO order. It fails once Run has exited or ctx is done.
func (p *Provider) post(ctx context.Context, m message) error {
	select {
	case p.inbox <- m:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enable starts the link and connects to the persisted device, if any.
func (p *Provider) Enable() error { return p.post(context.Background(), enableMsg{}) }

// Disable stops the link. It is ordered with every message already queued.
func (p *Provider) Disable() error { return p.post(context.Background(), disableMsg{}) }

// SetDevice persists deviceID and, while enabled, reconnects to it.
func (p *Provider) SetDevice(ctx context.Context, deviceID string) error {
	reply := make(chan error, 1)
	if err := p.post(ctx, setDeviceMsg{deviceID: deviceID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers l under owner, replacing owner's previous listener.
func (p *Provider) AddListener(owner string, l Listener) (uuid.UUID, error) {
	h := uuid.New()
	if err := p.post(context.Background(), addListenerMsg{handle: h, owner: owner, l: l}); err != nil {
		return uuid.Nil, err
	}
	return h, nil
}

// RemoveListener unregisters owner's listener.
func (p *Provider) RemoveListener(owner string) error {
	return p.post(context.Background(), removeListenerMsg{owner: owner})
}

// Status returns a snapshot taken on the loop.
func (p *Provider) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := p.post(ctx, statusMsg{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-p.done:
		return Status{}, ErrClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Write sends a command to the receiver from the loop. Failures never cause
// a reconnect.
func (p *Provider) Write(ctx context.Context, b []byte) error {
	reply := make(chan error, 1)
	data := append([]byte(nil), b...)
	if err := p.post(ctx, writeMsg{data: data, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) handle(ctx context.Context, m message) {
	switch m := m.(type) {
	case enableMsg:
		p.enable(ctx)
	case disableMsg:
		p.disable()
	case setDeviceMsg:
		m.reply <- p.setDevice(ctx, m.deviceID)
	case addListenerMsg:
		p.reg.Add(m.handle, m.owner, m.l)
		p.log.Debug("provider: listener added", zap.String("owner", m.owner), zap.Int("listeners", p.reg.Len()))
	case removeListenerMsg:
		p.reg.Remove(m.owner)
	case statusMsg:
		m.reply <- p.status()
	case writeMsg:
		m.reply <- p.sup.Write(m.data)
	case connectedMsg:
		if p.enabled {
			p.publish(Event{Type: EventStatus, Status: StatusAvailable, DeviceID: m.deviceID})
		}
	case dataMsg:
		if p.enabled {
			p.data(m.lines)
		}
	case lostMsg:
		p.log.Info("provider: connection lost, reconnecting", zap.String("device", m.deviceID), zap.Error(m.err))
	case exhaustedMsg:
		if p.enabled {
			p.publish(Event{Type: EventStatus, Status: StatusUnavailable, DeviceID: m.deviceID})
		}
	default:
		p.log.Error("provider: unknown message", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

func (p *Provider) enable(ctx context.Context) {
	if p.enabled {
		return
	}
	if !p.sup.Start() {
		p.log.Warn("provider: transport not ready", zap.String("transport", p.cap.Name()))
		p.publish(Event{Type: EventStatus, Status: StatusUnavailable})
		return
	}
	p.enabled = true
	p.enabledAt = p.now()
	p.firstFix = false
	p.ttff = 0
	p.publish(Event{Type: EventStatus, Status: StatusStarted})

	id, err := p.store.DeviceID(ctx)
	if err != nil {
		p.log.Error("provider: read device id", zap.Error(err))
		return
	}
	p.deviceID = id
	if id == "" {
		p.log.Info("provider: no device configured")
		return
	}
	p.connect(id)
}

func (p *Provider) disable() {
	if !p.enabled {
		return
	}
	p.sup.Stop()
	p.enabled = false
	p.publish(Event{Type: EventStatus, Status: StatusStopped})
	p.publish(Event{Type: EventStatus, Status: StatusUnavailable})
}

func (p *Provider) setDevice(ctx context.Context, id string) error {
	if err := p.store.SetDeviceID(ctx, id); err != nil {
		return fmt.Errorf("persist device id: %w", err)
	}
	p.deviceID = id
	if p.enabled && id != "" {
		p.connect(id)
	}
	return nil
}

func (p *Provider) connect(id string) {
	if err := p.sup.ConnectTo(id); err != nil {
		p.log.Error("provider: connect", zap.String("device", id), zap.Error(err))
		p.publish(Event{Type: EventStatus, Status: StatusUnavailable, DeviceID: id})
	}
}

// data decodes one batch and fans out what it produced.
func (p *Provider) data(lines []string) {
	now := p.now()
	p.dec.Reset()
	b := p.dec.Decode(now.UTC(), lines)
	for _, err := range b.Errors {
		p.log.Debug("provider: sentence dropped", zap.Error(err))
	}

	for _, s := range b.Sentences {
		p.publish(Event{Type: EventNMEA, Timestamp: now, NMEA: s.Text})
	}

	if p.dec.Valid() {
		fix := p.dec.Fix()
		p.fix = &fix
		p.publish(Event{Type: EventFix, Timestamp: now, Fix: &fix})
		if !p.firstFix {
			p.firstFix = true
			p.ttff = now.Sub(p.enabledAt)
			p.log.Info("provider: first fix", zap.Duration("ttff", p.ttff))
			p.publish(Event{Type: EventStatus, Timestamp: now, Status: StatusFirstFix, TTFFMs: p.ttff.Milliseconds()})
		}
	}

	if sats, gen, ready := p.dec.Satellites(); ready && gen != p.satGen {
		p.satGen = gen
		p.sats = &sats
		p.publish(Event{Type: EventSatellites, Timestamp: now, Satellites: &sats})
	}

	p.sup.SetRefreshRate(p.dec.RefreshRate())
}

func (p *Provider) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	p.reg.Publish(ev)
}

func (p *Provider) status() Status {
	st := Status{
		Enabled:       p.enabled,
		Transport:     p.cap.Name(),
		State:         p.sup.State(),
		DeviceID:      p.deviceID,
		Budget:        p.sup.Budget(),
		RefreshRateMs: p.dec.RefreshRate().Milliseconds(),
		TTFFMs:        p.ttff.Milliseconds(),
		Listeners:     p.reg.Len(),
	}
	if p.fix != nil {
		fix := *p.fix
		st.Fix = &fix
	}
	if p.sats != nil {
		sats := *p.sats
		st.Satellites = &sats
	}
	return st
}

// sink turns supervisor callbacks into loop messages.
type sink struct{ p *Provider }

func (s sink) Connected(ctx context.Context, deviceID string) {
	_ = s.p.post(ctx, connectedMsg{deviceID: deviceID})
}

func (s sink) Data(ctx context.Context, lines []string) {
	_ = s.p.post(ctx, dataMsg{lines: lines})
}

func (s sink) ConnectionLost(ctx context.Context, deviceID string, err error) {
	_ = s.p.post(ctx, lostMsg{deviceID: deviceID, err: err})
}

func (s sink) RetryExhausted(ctx context.Context, deviceID string, err error) {
	_ = s.p.post(ctx, exhaustedMsg{deviceID: deviceID, err: err})
}
