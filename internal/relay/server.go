// Package relay is the WebSocket server the board's network channel
// connects to. It forwards document and awareness messages between the
// peers of a room and replays the room's state to late joiners.
package relay

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"fullscreen/board/internal/channel"
)

var roomPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,200}$`)

type Options struct {
	// LogCap is the number of updates a room keeps before compacting them
	// into one snapshot.
	LogCap        int
	AllowedOrigin string
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	PingInterval  time.Duration
	Logger        *slog.Logger
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	rooms   map[string]*room
	closing bool
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.LogCap <= 0 {
		opts.LogCap = 4096
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		rooms:  make(map[string]*room),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.URL.Path == "/api/health" {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, errMethod)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.URL.Path == "/api/ready" {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, errMethod)
			return
		}
		s.handleReady(w)
		return
	}

	if name, ok := strings.CutPrefix(r.URL.Path, "/rooms/"); ok {
		if r.Method != http.MethodGet {
			writeError(w, errMethod)
			return
		}
		if !roomPattern.MatchString(name) {
			writeError(w, domainError(http.StatusBadRequest, "INVALID_ROOM", "Room name is invalid", map[string]any{"room": name}))
			return
		}
		s.handleRoom(w, r, name)
		return
	}

	writeError(w, errNotFound)
}

func (s *Server) handleReady(w http.ResponseWriter) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	status, code := "ready", http.StatusOK
	roomCheck := map[string]any{"status": "ok", "count": s.RoomCount(), "peers": s.Peers()}
	if closing {
		status, code = "not_ready", http.StatusServiceUnavailable
		roomCheck["status"] = "closing"
	}
	writeJSON(w, code, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": map[string]any{"rooms": roomCheck},
	})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request, name string) {
	s.mu.Lock()
	closing := s.closing
	if !closing {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closing {
		writeError(w, errShuttingDown)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Warn("relay: upgrade failed", "room", name, "err", err)
		return
	}
	p := newPeer(conn)
	rm, ok := s.join(name, p)
	if !ok {
		p.close()
		p.writer(s.opts.WriteTimeout, s.opts.PingInterval)
		return
	}
	s.logger.Info("relay: peer joined", "room", name, "peer", p.id)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writer(s.opts.WriteTimeout, s.opts.PingInterval)
	}()

	s.read(rm, p)

	p.close()
	<-writerDone
	s.leave(name, rm, p)
	s.logger.Info("relay: peer left", "room", name, "peer", p.id)
}

func (s *Server) read(rm *room, p *peer) {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})
	for {
		kind, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("relay: read failed", "room", rm.name, "peer", p.id, "err", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := channel.DecodeMessage(raw)
		if err != nil {
			s.logger.Warn("relay: invalid message", "room", rm.name, "peer", p.id, "err", err)
			continue
		}
		rm.receive(p, raw, msg)
	}
}

func (s *Server) join(name string, p *peer) (*room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, false
	}
	rm := s.rooms[name]
	if rm == nil {
		rm = newRoom(name, s.opts.LogCap, s.logger)
		s.rooms[name] = rm
	}
	rm.add(p)
	return rm, true
}

func (s *Server) leave(name string, rm *room, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm.remove(p) && s.rooms[name] == rm {
		delete(s.rooms, name)
		s.logger.Debug("relay: room closed", "room", name)
	}
}

// RoomCount reports the number of rooms with at least one peer.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Peers reports the number of connected peers across all rooms.
func (s *Server) Peers() int {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()
	n := 0
	for _, rm := range rooms {
		n += rm.size()
	}
	return n
}

// Close disconnects every peer and waits for their handlers to return.
// Call it after http.Server.Shutdown, which leaves upgraded connections
// alone.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()

	for _, rm := range rooms {
		for _, p := range rm.members() {
			p.close()
		}
	}
	s.wg.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(s.opts.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == allowed
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = ulid.Make().String()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.opts.AllowedOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("relay: request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(headers http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	headers.Set("Access-Control-Allow-Origin", origin)
	headers.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	headers.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
}
