// Package server exposes the motor link to external UIs over a WebSocket:
// it pushes every state feed as event frames and turns request frames into
// scan, connect and motor intents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chaz8081/motusctl/internal/ble"
	"github.com/chaz8081/motusctl/internal/control"
	"github.com/chaz8081/motusctl/internal/observe"
)

var (
	// ErrUnknownMethod is returned for a request with an unrecognised method.
	ErrUnknownMethod = errors.New("server: unknown method")
	// ErrBadRequest is returned when a request payload is missing or malformed.
	ErrBadRequest = errors.New("server: bad request")
)

// Link is the scan and connect surface; control.Orchestrator satisfies it.
type Link interface {
	Discover() error
	StartScanning(target string)
	StopScanning()
	ConnectToDevice(address string) bool
	Disconnect()
}

// Motor is the motor command surface; control.Motor satisfies it.
type Motor interface {
	UpdateRPM(rpm float64) error
	UpdateAngle(angle float64) error
	Stop() error
}

// Feeds are the state streams pushed to clients.
type Feeds struct {
	State           observe.Watchable[ble.ConnectionState]
	Characteristics observe.Watchable[ble.Characteristics]
	Devices         observe.Watchable[[]ble.Device]
	Scanning        observe.Watchable[bool]
	Search          observe.Watchable[control.SearchState]
	Motor           observe.Watchable[control.MotorState]
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Server is the WebSocket bridge.
type Server struct {
	addr  string
	link  Link
	motor Motor
	feeds Feeds

	clients sync.Map // connID (uint64) -> *clientConn
	nextID  atomic.Uint64
	// join is held for writing while a client registers and queues its
	// snapshot, and for reading by broadcast.
	join sync.RWMutex

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
}

// New creates a bridge listening on addr once started.
func New(addr string, link Link, motor Motor, feeds Feeds) *Server {
	return &Server{
		addr:  addr,
		link:  link,
		motor: motor,
		feeds: feeds,
		ready: make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	return mux
}

// Start serves connections and forwards feed changes. Blocks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	s.mu.Lock()
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.forwardAll(fwdCtx)

	slog.Info("[WS] bridge started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Ready is closed once Start has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	s.mu.Lock()
	httpSrv := s.httpSrv
	s.mu.Unlock()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// forwardAll starts one goroutine per feed that broadcasts every change.
func (s *Server) forwardAll(ctx context.Context) {
	if s.feeds.State != nil {
		go forward(ctx, s.feeds.State, func(v ble.ConnectionState) {
			view, err := connectionStateView(v)
			if err != nil {
				slog.Error("[WS] cannot encode state", "error", err)
				return
			}
			s.broadcast(EventConnectionState, view)
		})
	}
	if s.feeds.Characteristics != nil {
		go forward(ctx, s.feeds.Characteristics, func(v ble.Characteristics) {
			s.broadcast(EventCharacteristics, characteristicsView(v))
		})
	}
	if s.feeds.Devices != nil {
		go forward(ctx, s.feeds.Devices, func(v []ble.Device) {
			s.broadcast(EventDevices, devicesView(v))
		})
	}
	if s.feeds.Scanning != nil {
		go forward(ctx, s.feeds.Scanning, func(v bool) {
			s.broadcast(EventScanning, v)
		})
	}
	if s.feeds.Search != nil {
		go forward(ctx, s.feeds.Search, func(v control.SearchState) {
			s.broadcast(EventSearchState, v.String())
		})
	}
	if s.feeds.Motor != nil {
		go forward(ctx, s.feeds.Motor, func(v control.MotorState) {
			s.broadcast(EventMotorState, motorStateView(v))
		})
	}
}

func forward[T any](ctx context.Context, w observe.Watchable[T], fn func(T)) {
	ch, cancel := w.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			fn(v)
		}
	}
}

func (s *Server) broadcast(name string, data any) {
	frame, err := eventFrame(name, data)
	if err != nil {
		slog.Error("[WS] cannot encode event", "event", name, "error", err)
		return
	}
	s.join.RLock()
	defer s.join.RUnlock()
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			slog.Warn("[WS] dropped event for slow client", "event", name)
		}
		return true
	})
}

func eventFrame(name string, data any) (Frame, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Method: name, Payload: payload}, nil
}

// snapshot returns the current value of every feed, keyed by event name.
func (s *Server) snapshot() map[string]any {
	out := make(map[string]any)
	if s.feeds.State != nil {
		if view, err := connectionStateView(s.feeds.State.Load()); err == nil {
			out[EventConnectionState] = view
		}
	}
	if s.feeds.Characteristics != nil {
		out[EventCharacteristics] = characteristicsView(s.feeds.Characteristics.Load())
	}
	if s.feeds.Devices != nil {
		out[EventDevices] = devicesView(s.feeds.Devices.Load())
	}
	if s.feeds.Scanning != nil {
		out[EventScanning] = s.feeds.Scanning.Load()
	}
	if s.feeds.Search != nil {
		out[EventSearchState] = s.feeds.Search.Load().String()
	}
	if s.feeds.Motor != nil {
		out[EventMotorState] = motorStateView(s.feeds.Motor.Load())
	}
	return out
}

var snapshotOrder = []string{
	EventConnectionState,
	EventCharacteristics,
	EventDevices,
	EventScanning,
	EventSearchState,
	EventMotorState,
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		slog.Warn("[WS] websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}

	// Register and load the snapshot in one step: a change landing after
	// the load is broadcast to this client too, after the snapshot.
	s.join.Lock()
	s.clients.Store(connID, cc)
	snap := s.snapshot()
	for _, name := range snapshotOrder {
		data, ok := snap[name]
		if !ok {
			continue
		}
		if frame, err := eventFrame(name, data); err == nil {
			cc.sendCh <- frame
		}
	}
	s.join.Unlock()
	slog.Info("[WS] client connected", "conn_id", connID)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("[WS] client disconnected", "conn_id", connID)
}

// readLoop handles requests in arrival order so motor commands keep their
// sequence.
func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}

		result, err := s.dispatch(frame.Method, frame.Payload)
		s.sendResponse(cc, frame.ID, result, err)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(method string, payload json.RawMessage) (any, error) {
	switch method {
	case MethodScan:
		var p addressParams
		if err := decodeParams(payload, &p); err != nil {
			return nil, err
		}
		if p.Address == "" {
			return nil, s.link.Discover()
		}
		if !ble.ValidAddress(p.Address) {
			return nil, fmt.Errorf("%w: invalid address %q", ErrBadRequest, p.Address)
		}
		s.link.StartScanning(p.Address)
		return nil, nil
	case MethodStopScan:
		s.link.StopScanning()
		return nil, nil
	case MethodConnect:
		var p addressParams
		if err := decodeParams(payload, &p); err != nil {
			return nil, err
		}
		if p.Address == "" {
			return nil, fmt.Errorf("%w: address required", ErrBadRequest)
		}
		return connectResult{Accepted: s.link.ConnectToDevice(p.Address)}, nil
	case MethodDisconnect:
		s.link.Disconnect()
		return nil, nil
	case MethodSetRPM:
		var p rpmParams
		if err := decodeParams(payload, &p); err != nil {
			return nil, err
		}
		if p.RPM == nil {
			return nil, fmt.Errorf("%w: rpm required", ErrBadRequest)
		}
		return nil, s.motor.UpdateRPM(*p.RPM)
	case MethodSetAngle:
		var p angleParams
		if err := decodeParams(payload, &p); err != nil {
			return nil, err
		}
		if p.Angle == nil {
			return nil, fmt.Errorf("%w: angle required", ErrBadRequest)
		}
		return nil, s.motor.UpdateAngle(*p.Angle)
	case MethodStopMotor:
		return nil, s.motor.Stop()
	case MethodSnapshot:
		return s.snapshot(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

func decodeParams(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result any, err error) {
	resp := Frame{
		Type: FrameTypeResponse,
		ID:   id,
	}
	if result != nil {
		payload, mErr := json.Marshal(result)
		if mErr != nil {
			err = errors.Join(err, mErr)
		} else {
			resp.Payload = payload
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	select {
	case cc.sendCh <- resp:
	default:
		slog.Warn("[WS] dropped response for slow client", "frame_id", id)
	}
}
