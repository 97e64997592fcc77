package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"fullscreen/board/internal/replica"
)

type WebSocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	Logger           *slog.Logger
}

func DefaultWebSocketSettings() WebSocketSettings {
	return WebSocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		MinBackoff:       250 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
	}
}

// WebSocket relays a room through the relay server. After Connect it keeps
// reconnecting with backoff until Disconnect; every reconnect announces the
// full local state again.
type WebSocket struct {
	url      string
	room     string
	settings WebSocketSettings
	dialer   *websocket.Dialer
	logger   *slog.Logger
	link     *link

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	connected atomic.Bool

	writeMu sync.Mutex
}

func NewWebSocket(baseURL, room string, st *replica.Store, settings WebSocketSettings) (*WebSocket, error) {
	endpoint, err := url.JoinPath(baseURL, "rooms", room)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if settings.Logger == nil {
		settings.Logger = slog.Default()
	}
	w := &WebSocket{
		url:      endpoint,
		room:     room,
		settings: settings,
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout},
		logger:   settings.Logger,
	}
	w.link = newLink(room, ulid.Make().String(), st, settings.Logger, w)
	return w, nil
}

func WebSocketFactory(baseURL string, settings WebSocketSettings) NetworkFactory {
	return func(room string, st *replica.Store) (Network, error) {
		return NewWebSocket(baseURL, room, st, settings)
	}
}

func (w *WebSocket) Room() string                  { return w.room }
func (w *WebSocket) Awareness() *replica.Awareness { return w.link.awareness }
func (w *WebSocket) SetPassive(passive bool)       { w.link.setPassive(passive) }
func (w *WebSocket) Connected() bool               { return w.connected.Load() }

// Connect dials once with ctx and starts the connection loop. A failed
// first dial is returned but the loop keeps retrying in the background.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.link.attach(w.send)

	conn, err := w.dial(ctx)
	go w.run(runCtx, conn, done)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", w.room, err)
	}
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (w *WebSocket) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	backoff := w.settings.MinBackoff
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.settings.MaxBackoff {
				backoff = w.settings.MaxBackoff
			}
			next, err := w.dial(ctx)
			if err != nil {
				w.logger.Debug("channel: relay dial failed", "room", w.room, "err", err)
				continue
			}
			conn = next
		}
		backoff = w.settings.MinBackoff

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.connected.Store(true)
		w.link.announce()

		err := w.serve(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		w.connected.Store(false)
		_ = conn.Close()
		conn = nil
		// Peers cannot renew their presence while we are away.
		w.link.awareness.RemoveStates(w.link.awareness.RemoteClients(), w)

		if ctx.Err() != nil {
			return
		}
		w.logger.Info("channel: relay connection lost", "room", w.room, "err", err)
	}
}

func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) error {
	extend := func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.settings.ReadTimeout))
	}
	_ = extend("")
	conn.SetPongHandler(extend)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(w.settings.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				// Unblocks ReadMessage when the loop is cancelled.
				_ = conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(w.settings.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = extend("")
		msg, err := DecodeMessage(data)
		if err != nil {
			w.logger.Warn("channel: dropped message", "room", w.room, "err", err)
			continue
		}
		w.link.handle(msg)
	}
}

// send drops messages while disconnected; the next connection re-announces
// the full state.
func (w *WebSocket) send(msg Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.settings.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", msg.Kind, err)
	}
	return nil
}

// Disconnect withdraws the local presence, closes the connection and stops
// reconnecting.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	w.link.detach()
	cancel()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		w.writeMu.Lock()
		deadline := time.Now().Add(w.settings.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	<-done
}
