package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fullscreen/board/internal/replica"
)

const (
	outboxSize = 256
	// livenessInterval is how often awareness states are renewed and pruned.
	livenessInterval = replica.OutdatedTimeout / 10
	flushTimeout     = 2 * time.Second
)

// link binds a replica and its awareness to a relay transport. It forwards
// local document updates and local awareness changes through send, applies
// incoming messages with the owning channel as origin and keeps awareness
// states alive.
type link struct {
	room      string
	peerID    string
	store     *replica.Store
	awareness *replica.Awareness
	logger    *slog.Logger
	origin    any

	passive atomic.Bool
	// dropped is set when the outbox overflowed; the full state is offered
	// again once it drains.
	dropped atomic.Bool
	// epoch is the store epoch the link was attached in.
	epoch atomic.Uint64

	mu       sync.Mutex
	outbox   chan Message
	stop     context.CancelFunc
	unsubs   []func()
	done     chan struct{}
	attached bool
}

func newLink(room, peerID string, st *replica.Store, logger *slog.Logger, origin any) *link {
	if logger == nil {
		logger = slog.Default()
	}
	return &link{
		room:      room,
		peerID:    peerID,
		store:     st,
		awareness: replica.NewAwareness(st.ClientID()),
		logger:    logger,
		origin:    origin,
	}
}

// attach starts forwarding. send is called from a single goroutine.
func (l *link) attach(send func(Message) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attached {
		return
	}
	l.attached = true
	l.epoch.Store(l.store.Epoch())

	ctx, cancel := context.WithCancel(context.Background())
	l.stop = cancel
	l.outbox = make(chan Message, outboxSize)
	l.done = make(chan struct{})
	outbox, done := l.outbox, l.done

	l.unsubs = []func(){
		l.store.OnUpdate(func(update []byte, origin any) {
			if origin == l.origin || l.passive.Load() {
				return
			}
			l.enqueue(Message{Kind: KindUpdate, Update: update})
		}),
		l.awareness.OnUpdate(func(change replica.AwarenessChange, origin any) {
			if origin != replica.LocalOrigin {
				return
			}
			update := l.awareness.Encode(change.All()...)
			l.enqueue(Message{Kind: KindAwareness, Awareness: &update})
		}),
	}

	go func() {
		defer close(done)
		for msg := range outbox {
			msg.From = l.peerID
			if err := send(msg); err != nil {
				l.logger.Warn("channel: send failed", "room", l.room, "kind", msg.Kind, "err", err)
			}
			if len(outbox) == 0 && l.dropped.Swap(false) {
				l.offer()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(livenessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.awareness.CheckOutdated(replica.OutdatedTimeout)
			}
		}
	}()
}

// enqueue never blocks. A message that does not fit is dropped.
func (l *link) enqueue(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outbox == nil {
		return
	}
	select {
	case l.outbox <- msg:
	default:
		if !l.dropped.Swap(true) {
			l.logger.Warn("channel: outbox full, dropping until it drains", "room", l.room, "kind", msg.Kind)
		}
	}
}

// announce asks peers for their state and offers ours.
func (l *link) announce() {
	l.enqueue(Message{Kind: KindSync})
	l.offer()
}

// offer sends the full local state and the local awareness state.
func (l *link) offer() {
	if l.store.Epoch() != l.epoch.Load() {
		return
	}
	if !l.passive.Load() && l.store.Size() > 0 {
		l.enqueue(Message{Kind: KindUpdate, Update: l.store.Encode()})
	}
	if l.awareness.LocalState() != nil {
		update := l.awareness.Encode(l.awareness.ClientID())
		l.enqueue(Message{Kind: KindAwareness, Awareness: &update})
	}
}

func (l *link) setPassive(passive bool) {
	was := l.passive.Swap(passive)
	if was && !passive && l.store.Epoch() == l.epoch.Load() {
		// Edits made while passive were never sent.
		l.enqueue(Message{Kind: KindUpdate, Update: l.store.Encode()})
	}
}

func (l *link) handle(msg Message) {
	if msg.From != "" && msg.From == l.peerID {
		return
	}
	// The replica now holds another board.
	if l.store.Epoch() != l.epoch.Load() {
		return
	}
	switch msg.Kind {
	case KindUpdate:
		if err := l.store.ApplyUpdate(msg.Update, l.origin); err != nil {
			l.logger.Warn("channel: rejected update", "room", l.room, "from", msg.From, "err", err)
		}
	case KindAwareness:
		l.awareness.ApplyUpdate(*msg.Awareness, l.origin)
	case KindSync:
		l.offer()
	}
}

// detach withdraws the local awareness state, flushes queued messages and
// stops forwarding. Remote awareness states are dropped.
func (l *link) detach() {
	l.mu.Lock()
	if !l.attached {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	_ = l.awareness.SetLocalState(nil)

	l.mu.Lock()
	l.attached = false
	unsubs := l.unsubs
	l.unsubs = nil
	outbox, done := l.outbox, l.done
	l.outbox = nil
	l.stop()
	l.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	close(outbox)
	select {
	case <-done:
	case <-time.After(flushTimeout):
		l.logger.Warn("channel: flush timed out", "room", l.room)
	}
	l.awareness.RemoveStates(l.awareness.RemoteClients(), l.origin)
}
