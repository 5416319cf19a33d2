// Package server exposes the bridge over HTTP: a JSON API, a websocket event
// stream and the embedded status page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/config"
	"github.com/shaunagostinho/gpsbridge/internal/provider"
	"github.com/shaunagostinho/gpsbridge/internal/transport"
)

// Bridge is the provider surface the server drives.
type Bridge interface {
	Enable() error
	Disable() error
	SetDevice(ctx context.Context, deviceID string) error
	Status(ctx context.Context) (provider.Status, error)
	AddListener(owner string, l provider.Listener) (uuid.UUID, error)
	RemoveListener(owner string) error
}

// DeviceLister lists paired receivers; transport.BlueZ satisfies it.
type DeviceLister interface {
	PairedDevices() ([]transport.Device, error)
}

// TrackToggler switches the track log at runtime.
type TrackToggler interface {
	SetEnabled(on bool)
	IsEnabled() bool
}

// Options are the server's collaborators. Devices, Trip and Track may be nil.
// Transport and ListenAddr override the config for this run only; they are
// never written back by /api/config.
type Options struct {
	Config     *config.Config
	Transport  string
	ListenAddr string

	Bridge  Bridge
	Devices DeviceLister
	Trip    *TripMeter
	Track   TrackToggler
	WebFS   fs.FS
	Log     *zap.Logger
}

// Server serves the API and fans provider events out to websocket clients.
type Server struct {
	cfg        *config.Config
	transport  string
	listenAddr string
	bridge     Bridge
	devices    DeviceLister
	trip       *TripMeter
	track      TrackToggler
	webFS      fs.FS
	log        *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	clientSeq atomic.Uint64

	upgrader websocket.Upgrader
}

var (
	errClientGone = errors.New("websocket client gone")
	errClientSlow = errors.New("websocket client too slow")
)

// wsClient is registered with the provider as a listener. Deliver never
// blocks: a full send buffer or a closed connection fails delivery and the
// provider drops the listener.
type wsClient struct {
	owner  string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *wsClient) Deliver(ev provider.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errClientGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errClientGone
	default:
		c.close()
		return errClientSlow
	}
}

func (c *wsClient) close() { c.once.Do(func() { close(c.closed) }) }

// Frame is sent once to each websocket client on connect.
type Frame struct {
	Type     string          `json:"type"` // "snapshot"
	Snapshot *StatusResponse `json:"snapshot"`
	Stamp    int64           `json:"stamp"` // Unix ms
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	provider.Status
	Trip         *TripData `json:"trip,omitempty"`
	TrackLogging bool      `json:"trackLogging"`
}

// New creates a new Server.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:        opts.Config,
		transport:  opts.Transport,
		listenAddr: opts.ListenAddr,
		bridge:     opts.Bridge,
		devices:    opts.Devices,
		trip:       opts.Trip,
		track:      opts.Track,
		webFS:      opts.WebFS,
		log:        log,
		clients:    make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/enable", s.handleEnable)
	mux.HandleFunc("/api/disable", s.handleDisable)
	mux.HandleFunc("/api/device", s.handleDevice)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/trip", s.handleTrip)
	mux.HandleFunc("/api/trip/reset", s.handleResetTrip)
	return mux
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.listenAddr
	if addr == "" {
		addr = s.cfg.ListenAddress()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Info("server: listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// transportName is the transport in use, which may differ from the saved
// config when overridden at startup.
func (s *Server) transportName() string {
	if s.transport != "" {
		return s.transport
	}
	return s.cfg.GPSTransport()
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws: upgrade error", zap.Error(err))
		return
	}

	client := &wsClient{
		owner:  fmt.Sprintf("ws:%s#%d", r.RemoteAddr, s.clientSeq.Add(1)),
		conn:   conn,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	// Initial snapshot goes out before any event.
	if snap, err := s.snapshot(r.Context()); err == nil {
		if data, err := json.Marshal(Frame{Type: "snapshot", Snapshot: snap, Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}

	if _, err := s.bridge.AddListener(client.owner, client); err != nil {
		s.log.Warn("ws: register failed", zap.Error(err))
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("ws: client connected", zap.String("owner", client.owner), zap.Int("total", n))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for {
			select {
			case msg := <-client.send:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					client.close()
					return
				}
			case <-client.closed:
				return
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			client.close()
			s.bridge.RemoveListener(client.owner)
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			s.log.Info("ws: client disconnected", zap.String("owner", client.owner), zap.Int("total", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) snapshot(ctx context.Context) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := s.bridge.Status(ctx)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{Status: st}
	if s.trip != nil {
		t := s.trip.Totals()
		resp.Trip = &t
	}
	if s.track != nil {
		resp.TrackLogging = s.track.IsEnabled()
	}
	return resp, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	snap, err := s.snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.bridge.Enable(); err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	writeOK(w)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.bridge.Disable(); err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	writeOK(w)
}

type deviceBody struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := s.bridge.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), 503)
			return
		}
		writeJSON(w, deviceBody{DeviceID: st.DeviceID})

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		var req deviceBody
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if req.DeviceID != "" && s.transportName() == "rfcomm" {
			if _, err := transport.ParseAddress(req.DeviceID); err != nil {
				http.Error(w, err.Error(), 400)
				return
			}
		}
		if err := s.bridge.SetDevice(r.Context(), req.DeviceID); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		s.log.Info("server: device set", zap.String("device", req.DeviceID))
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	if s.devices == nil {
		writeJSON(w, []transport.Device{})
		return
	}
	devs, err := s.devices.PairedDevices()
	if err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	if devs == nil {
		devs = []transport.Device{}
	}
	writeJSON(w, devs)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config: save failed", zap.Error(err))
		}
		if s.track != nil {
			s.track.SetEnabled(s.cfg.TrackEnabled())
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	if s.trip == nil {
		http.Error(w, "trip meter disabled", 404)
		return
	}
	writeJSON(w, s.trip.Totals())
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if s.trip == nil {
		http.Error(w, "trip meter disabled", 404)
		return
	}
	s.trip.ResetTrip()
	if err := s.trip.Save(r.Context()); err != nil {
		s.log.Warn("trip: save failed", zap.Error(err))
	}
	writeOK(w)
}
