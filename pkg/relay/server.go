package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/robin-raq/collabbboard-mvp-sub000/pkg/viz"
)

// Fanout carries frames between relay processes serving the same rooms.
type Fanout interface {
	Publish(ctx context.Context, room string, frame []byte) error
	// Subscribe blocks until ctx is done, calling deliver for frames published by other processes.
	Subscribe(ctx context.Context, deliver func(room string, frame []byte)) error
}

type ServerOption func(*Server)

func WithFanout(f Fanout) ServerOption {
	return func(s *Server) { s.fanout = f }
}

func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

type Server struct {
	registry *Registry
	fanout   Fanout
	metrics  *Metrics
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	// upgrades are matched first so every room id, metrics and healthz included, can be joined by path
	sockets := r.Methods(http.MethodGet).HeadersRegexp("Upgrade", "(?i)^websocket$").Subrouter()
	sockets.Path("/rooms/{room}/sync").HandlerFunc(s.syncRoom)
	sockets.Path("/{room}").HandlerFunc(s.syncRoom)
	if s.metrics != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())
	}
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Methods(http.MethodGet).Path("/rooms/{room}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/rooms/{room}/objects").HandlerFunc(s.getObjects)
	r.Methods(http.MethodGet).Path("/rooms/{room}/history.svg").HandlerFunc(s.getHistory)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

// StartBackgroundTasks subscribes to the fanout, if any. It returns once the subscription goroutine is
// running; the goroutine stops with ctx.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.fanout == nil {
		return
	}
	go func() {
		err := s.fanout.Subscribe(ctx, func(roomID string, frame []byte) {
			room, ok := s.registry.Get(roomID)
			if !ok {
				return
			}
			if _, err := room.HandleFrame(nil, frame); err != nil {
				s.logger.Warn("dropped fanout frame", "room", roomID, "err", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("fanout subscription ended", "err", err)
		}
	}()
}

func (s *Server) syncRoom(writer http.ResponseWriter, request *http.Request) {
	roomID := mux.Vars(request)["room"]
	// a persister failure is reported before the upgrade
	if _, err := s.registry.GetOrCreate(request.Context(), roomID); err != nil {
		s.logger.Error("failed to open room", "room", roomID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}

	cfg := s.registry.Config()
	peer := NewPeer(uuid.NewString(), cfg.QueueSize)
	logger := s.logger.With("room", roomID, "peer", peer.ID)
	room, err := s.registry.Join(request.Context(), roomID, peer)
	if err != nil {
		logger.Error("failed to join", "err", err)
		_ = conn.Close()
		return
	}
	go peer.writePump(conn, cfg, logger)
	defer func() {
		room.Leave(peer)
		peer.Kick()
	}()

	conn.SetReadLimit(cfg.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("connection closed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		if mt != websocket.BinaryMessage {
			continue
		}
		kind, err := room.HandleFrame(peer, frame)
		if err != nil {
			logger.Warn("dropped frame", "kind", kind.String(), "err", err)
			continue
		}
		if s.fanout != nil {
			if err := s.fanout.Publish(request.Context(), roomID, frame); err != nil {
				logger.Warn("failed to publish to fanout", "err", err)
			}
		}
	}
}

func (s *Server) lookup(writer http.ResponseWriter, request *http.Request) (*Room, bool) {
	room, ok := s.registry.Get(mux.Vars(request)["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
	}
	return room, ok
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	room, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(room.FullState()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) getObjects(writer http.ResponseWriter, request *http.Request) {
	room, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(map[string]interface{}{
		"room":    room.ID,
		"peers":   room.PeerCount(),
		"objects": room.Objects(),
	}); err != nil {
		s.logger.Error("failed to encode objects", "err", err)
	}
}

func (s *Server) getHistory(writer http.ResponseWriter, request *http.Request) {
	room, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	doc, err := room.Fork()
	if err != nil {
		s.logger.Error("failed to fork", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	var label viz.Label = viz.ObjectCount
	if id := request.URL.Query().Get("object"); id != "" {
		label = viz.ObjectValue(id)
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	if err := viz.RenderSVG(doc, label, writer); err != nil {
		s.logger.Error("failed to render", "err", err)
	}
}
