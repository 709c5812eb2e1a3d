// Package gateway connects remote clients to the practice session over
// WebSocket and serves a small JSON query API.
//
// Two roles connect to the same endpoint:
//
//   - device (?role=device): the practice app. It streams microphone PCM as
//     binary frames, receives counterpart audio as binary frames (Opus or
//     PCM, announced in the hello message), sends commands and receives
//     every event. At most one device is connected at a time.
//   - observer (the default): dashboards and coaches. Observers receive
//     events and may only send the status command.
//
// Commands are JSON text frames {"type", "id", "data"}; each is answered
// with a {"type": "<command>_result", ...} message carrying the same id.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/chaos"
	"github.com/MrWong99/parley/internal/event"
	"github.com/MrWong99/parley/internal/haptic"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrDeviceConnected is returned when a second device tries to connect.
	ErrDeviceConnected = errors.New("gateway: a device is already connected")

	// ErrClosed is returned after [Server.Close].
	ErrClosed = errors.New("gateway: server closed")

	// errBusClosed ends a connection whose event subscription was closed.
	errBusClosed = errors.New("gateway: event bus closed")
)

const (
	defaultSendBuffer  = 256
	defaultEventBuffer = 128
	writeTimeout       = 5 * time.Second

	// maxMessageBytes bounds a single inbound frame. A speak command with
	// ten seconds of 48 kHz stereo PCM is about 2.6 MB once base64 encoded.
	maxMessageBytes = 4 << 20
)

// Role is the kind of a gateway connection.
type Role string

const (
	RoleDevice   Role = "device"
	RoleObserver Role = "observer"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleDevice || r == RoleObserver
}

// Listener is the part of the recording controller the gateway drives.
type Listener interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	IsListening() bool
	IsUserSpeaking() bool
	MeteringValue() float64
	CurrentSession() (recording.Session, bool)
}

var _ Listener = (*recording.Controller)(nil)

// HapticsStore reads and changes the haptics preference.
type HapticsStore interface {
	haptic.Settings
	SetHapticFeedbackEnabled(on bool) error
}

// Deps are the collaborators commands and queries act on. Listener, Engine
// and Bus are required.
type Deps struct {
	Listener  Listener
	Engine    *chaos.Engine
	Scheduler *chaos.Scheduler // nil disables auto_disruptions
	Playback  audio.Playback   // nil disables speak
	Haptics   HapticsStore     // nil disables set_haptics
	Bus       *event.Bus
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records connection gauges on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns. Same-origin clients are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithEventBuffer sets the per-connection event queue size.
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// Server is the WebSocket gateway and query API.
type Server struct {
	path        string
	device      *Device
	deps        Deps
	metrics     *observe.Metrics
	origins     []string
	eventBuffer int

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// New creates a gateway serving WebSocket clients at path.
func New(path string, device *Device, deps Deps, opts ...Option) (*Server, error) {
	var errs []error
	if device == nil {
		errs = append(errs, errors.New("gateway: device is required"))
	}
	if deps.Listener == nil {
		errs = append(errs, errors.New("gateway: listener is required"))
	}
	if deps.Engine == nil {
		errs = append(errs, errors.New("gateway: engine is required"))
	}
	if deps.Bus == nil {
		errs = append(errs, errors.New("gateway: bus is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s := &Server{
		path:        path,
		device:      device,
		deps:        deps,
		metrics:     observe.DefaultMetrics(),
		eventBuffer: defaultEventBuffer,
		conns:       make(map[string]*conn),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Register adds the WebSocket endpoint and the query API to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.path, s.handleWS)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/disruptions", s.handleDisruptions)
	mux.HandleFunc("GET /v1/disruptions/log", s.handleDisruptionLog)
	mux.HandleFunc("GET /v1/disruptions/stats", s.handleDisruptionStats)
}

// DeviceConnected reports whether a device is attached.
func (s *Server) DeviceConnected() bool { return s.device.Connected() }

// Observers returns the number of connected observers.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.role == RoleObserver {
			n++
		}
	}
	return n
}

// Check is a readiness probe. It fails once the gateway is shutting down.
func (s *Server) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close disconnects every client and waits until their handlers return or
// ctx is done. New connections are refused.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.conns {
		c.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: close: %w", ctx.Err())
	}
}

// ── Connections ──────────────────────────────────────────────────────────────

type outbound struct {
	binary []byte
	msg    any
}

type conn struct {
	id     string
	role   Role
	ws     *websocket.Conn
	send   chan outbound
	ctx    context.Context
	cancel context.CancelFunc
}

// trySend queues o without blocking and reports whether it was queued.
func (c *conn) trySend(o outbound) bool {
	select {
	case c.send <- o:
		return true
	default:
		slog.Warn("gateway: send queue full, dropping message", "conn_id", c.id, "role", c.role)
		return false
	}
}

// sendAudio queues device audio, waiting for the writer instead of dropping.
func (c *conn) sendAudio(b []byte) bool {
	select {
	case c.send <- outbound{binary: b}:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) sendControl(msg any) bool { return c.trySend(outbound{msg: msg}) }

// Hello is the first message on every connection.
type Hello struct {
	Type         string       `json:"type"`
	ConnectionID string       `json:"connection_id"`
	Role         Role         `json:"role"`
	Audio        *AudioFormat `json:"audio,omitempty"`
}

// EventMessage carries one bus event to a client.
type EventMessage struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

func (s *Server) register(c *conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if c.role == RoleDevice {
		for _, other := range s.conns {
			if other.role == RoleDevice {
				return ErrDeviceConnected
			}
		}
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return nil
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	role := Role(r.URL.Query().Get("role"))
	if role == "" {
		role = RoleObserver
	}
	if !role.IsValid() {
		http.Error(w, fmt.Sprintf("unknown role %q", role), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &conn{
		id:     uuid.NewString(),
		role:   role,
		send:   make(chan outbound, defaultSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	switch err := s.register(c); {
	case errors.Is(err, ErrDeviceConnected):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.unregister(c)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "role", role, "err", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	c.ws = ws

	log := observe.Logger(ctx).With("conn_id", c.id, "role", role)
	roleAttr := metric.WithAttributes(attribute.String("role", string(role)))
	s.metrics.GatewayConnections.Add(ctx, 1, roleAttr)
	defer s.metrics.GatewayConnections.Add(context.Background(), -1, roleAttr)

	events, unsubscribe := s.deps.Bus.Subscribe(s.eventBuffer)
	defer unsubscribe()

	hello := Hello{Type: "hello", ConnectionID: c.id, Role: role}
	if role == RoleDevice {
		micAllowed := r.URL.Query().Get("mic") != "denied"
		s.device.attach(c.id, micAllowed, c)
		defer s.device.detach(c.id)
		format := s.device.Format()
		hello.Audio = &format
	}
	c.trySend(outbound{msg: hello})
	log.Info("gateway: client connected")

	err = s.serve(ctx, c, events)

	status, reason := websocket.StatusNormalClosure, ""
	switch {
	case s.isClosed():
		status, reason = websocket.StatusGoingAway, "server shutting down"
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
		log.Info("gateway: client disconnected")
	default:
		log.Warn("gateway: connection ended", "err", err)
		status, reason = websocket.StatusInternalError, "connection error"
	}
	ws.Close(status, reason)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// serve runs the read, write and event loops of c until one of them fails.
func (s *Server) serve(ctx context.Context, c *conn, events <-chan event.Event) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, c) })
	g.Go(func() error { return writeLoop(gctx, c) })
	g.Go(func() error { return s.eventLoop(gctx, c, events) })
	return g.Wait()
}

func (s *Server) readLoop(ctx context.Context, c *conn) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if c.role == RoleDevice {
				s.device.feed(c.id, data)
			}
		case websocket.MessageText:
			c.trySend(outbound{msg: s.handleMessage(ctx, c, data)})
		}
	}
}

func writeLoop(ctx context.Context, c *conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			var err error
			if o.msg != nil {
				err = wsjson.Write(wctx, c.ws, o.msg)
			} else {
				err = c.ws.Write(wctx, websocket.MessageBinary, o.binary)
			}
			cancel()
			if err != nil {
				return fmt.Errorf("gateway: write: %w", err)
			}
		}
	}
}

func (s *Server) eventLoop(ctx context.Context, c *conn, events <-chan event.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return errBusClosed
			}
			c.trySend(outbound{msg: EventMessage{Type: "event", Event: e}})
		}
	}
}
