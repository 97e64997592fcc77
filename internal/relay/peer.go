package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	peerQueueSize  = 256
	maxMessageSize = 32 << 20
)

// peer is one WebSocket connection. All writes go through its writer
// goroutine.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		id:   ulid.Make().String(),
		conn: conn,
		send: make(chan []byte, peerQueueSize),
		quit: make(chan struct{}),
	}
}

// enqueue reports false when the peer's queue is full.
func (p *peer) enqueue(raw []byte) bool {
	select {
	case <-p.quit:
		return true
	default:
	}
	select {
	case p.send <- raw:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.quit) })
}

func (p *peer) writer(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case raw := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				p.close()
				return
			}
		case <-p.quit:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
