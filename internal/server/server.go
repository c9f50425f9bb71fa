package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gps-failover/internal/eventlog"
	"github.com/shaunagostinho/gps-failover/internal/failover"
	"github.com/shaunagostinho/gps-failover/internal/geofence"
)

// StatusSource is the part of the failover controller the server reads.
type StatusSource interface {
	Status() failover.Status
}

// Server pushes failover output to WebSocket clients and serves the JSON API.
// It is the controller's Subscriber.
type Server struct {
	cfg    *Config
	ctrl   StatusSource
	webFS  fs.FS
	log    *zap.Logger
	events *eventlog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	fenceMu sync.Mutex
	fences  *geofence.Monitor

	odo *odometer

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}
}

var _ failover.Subscriber = (*Server)(nil)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Sample     *failover.Sample     `json:"sample,omitempty"`
	Status     *failover.Status     `json:"status,omitempty"`
	Transition *failover.Transition `json:"transition,omitempty"`
	Geofence   []geofence.Event     `json:"geofence,omitempty"`
	Error      string               `json:"error,omitempty"`
	Odo        *OdoData             `json:"odo,omitempty"`
	Stamp      int64                `json:"stamp"` // Unix ms
}

// New creates a new Server. The event log is built from cfg and owned by the
// server; Close closes it.
func New(cfg *Config, ctrl StatusSource, webFS fs.FS, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.mu.RLock()
	elCfg := cfg.EventLog
	cfg.mu.RUnlock()

	return &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		webFS:   webFS,
		log:     logger,
		events:  eventlog.New(elCfg, logger.Named("eventlog")),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		fences: geofence.NewMonitor(cfg.Fences()),
		odo:    newOdometer(odometerPath(cfg.Path()), logger.Named("odo")),
		ready:  make(chan struct{}),
	}
}

// EventLog returns the server's event log.
func (s *Server) EventLog() *eventlog.Logger { return s.events }

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s.cfg.mu.RLock()
	origins := append([]string(nil), s.cfg.Server.CORSOrigins...)
	s.cfg.mu.RUnlock()
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Get("/status", s.handleStatus)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handlePostConfig)
		r.Get("/geofences", s.handleGeofences)
		r.Post("/odo/reset-trip", s.handleResetTrip)
	})

	// Serve embedded web files
	if s.webFS != nil {
		r.Handle("/*", http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run starts the HTTP server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Persist odometer every 30 seconds
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.odo.save()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	close(s.ready)

	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	err = srv.Serve(ln)

	s.odo.save()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close closes the event log. Call it once nothing can deliver transitions
// any more, after the failover session has ended.
func (s *Server) Close() {
	s.events.Close()
}

// Addr blocks until Run is listening and returns the bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr, nil
}

// OnSample feeds the geofences and odometer and broadcasts the fix.
func (s *Server) OnSample(smp failover.Sample) {
	s.fenceMu.Lock()
	crossings := s.fences.Update(smp.Latitude, smp.Longitude, smp.Time)
	s.fenceMu.Unlock()

	for _, ev := range crossings {
		s.log.Info("geofence crossing",
			zap.String("fence", ev.FenceID),
			zap.Stringer("transition", ev.Transition),
			zap.Float64("distance_m", ev.DistanceM))
		s.events.RecordGeofence(ev)
	}

	if smp.Speed > 1 { // Only accumulate if moving
		s.odo.update(smp.Latitude, smp.Longitude)
	}

	s.broadcast(Frame{
		Sample:   &smp,
		Geofence: crossings,
		Odo:      s.odo.snapshot(),
		Stamp:    time.Now().UnixMilli(),
	})
}

// OnError broadcasts the terminal error with the resulting status.
func (s *Server) OnError(err error) {
	frame := Frame{Error: err.Error(), Stamp: time.Now().UnixMilli()}
	if s.ctrl != nil {
		st := s.ctrl.Status()
		frame.Status = &st
	}
	s.broadcast(frame)
}

// OnTransition records and broadcasts a failover state change. Pass it to
// failover.Controller.OnTransition.
func (s *Server) OnTransition(tr failover.Transition) {
	s.events.RecordTransition(tr)
	s.broadcast(Frame{Transition: &tr, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial status + odometer, queued before the client is visible to
	// broadcast so it always comes first.
	hello := Frame{Odo: s.odo.snapshot(), Stamp: time.Now().UnixMilli()}
	if s.ctrl != nil {
		st := s.ctrl.Status()
		hello.Status = &st
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Debug("ws client connected", zap.Int("clients", n))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	if ok {
		delete(s.clients, c)
		close(c.send)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok {
		s.log.Debug("ws client disconnected", zap.Int("clients", n))
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st failover.Status
	if s.ctrl != nil {
		st = s.ctrl.Status()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warn("config save failed", zap.Error(err))
	}

	// Runtime-adjustable parts. Source and timing changes apply on restart.
	s.events.SetEnabled(s.cfg.EventLogEnabled())
	s.fenceMu.Lock()
	s.fences = geofence.NewMonitor(s.cfg.Fences())
	s.fenceMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type geofenceView struct {
	Fences []geofence.Fence `json:"fences"`
	Inside []string         `json:"inside"`
}

func (s *Server) handleGeofences(w http.ResponseWriter, r *http.Request) {
	s.fenceMu.Lock()
	view := geofenceView{Fences: s.fences.Fences(), Inside: s.fences.Inside()}
	s.fenceMu.Unlock()
	if view.Fences == nil {
		view.Fences = []geofence.Fence{}
	}
	if view.Inside == nil {
		view.Inside = []string{}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	s.odo.resetTrip()
	s.odo.save()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
