package relay

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"fullscreen/board/internal/channel"
	"fullscreen/board/internal/replica"
)

const relayPeerID = "relay"

// room relays messages between the peers of one board. Updates are merged
// into a replica so the log can be compacted into a single snapshot.
type room struct {
	name   string
	logCap int
	logger *slog.Logger

	mu        sync.Mutex
	peers     map[*peer]struct{}
	log       [][]byte
	state     *replica.Store
	awareness map[*peer]map[uint64]replica.AwarenessClient
}

func newRoom(name string, logCap int, logger *slog.Logger) *room {
	return &room{
		name:      name,
		logCap:    logCap,
		logger:    logger,
		peers:     make(map[*peer]struct{}),
		state:     replica.NewStore(replica.WithLogger(logger)),
		awareness: make(map[*peer]map[uint64]replica.AwarenessClient),
	}
}

// add registers p and queues the room's state and the awareness states of
// the other peers for it. The caller holds the server lock.
func (r *room) add(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p] = struct{}{}

	// A joiner gets the room state as one update, however long the log.
	if len(r.log) > 1 {
		r.log = [][]byte{r.state.Encode()}
	}
	if len(r.log) == 1 {
		r.deliver(p, channel.Message{Kind: channel.KindUpdate, From: relayPeerID, Update: r.log[0]})
	}
	var clients []replica.AwarenessClient
	for other, states := range r.awareness {
		if other == p {
			continue
		}
		for _, client := range states {
			if !isNull(client.State) {
				clients = append(clients, client)
			}
		}
	}
	if len(clients) > 0 {
		sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
		r.deliver(p, channel.Message{Kind: channel.KindAwareness, From: relayPeerID, Awareness: &replica.AwarenessUpdate{Clients: clients}})
	}
}

// receive handles one message from p and forwards it to every other peer.
func (r *room) receive(p *peer, raw []byte, msg channel.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Kind {
	case channel.KindUpdate:
		if err := r.state.ApplyUpdate(msg.Update, p); err != nil {
			r.logger.Warn("relay: dropped update", "room", r.name, "peer", p.id, "err", err)
			return
		}
		r.log = append(r.log, msg.Update)
		if len(r.log) > r.logCap {
			r.log = [][]byte{r.state.Encode()}
			r.logger.Debug("relay: compacted log", "room", r.name)
		}
	case channel.KindAwareness:
		states := r.awareness[p]
		if states == nil {
			states = make(map[uint64]replica.AwarenessClient)
			r.awareness[p] = states
		}
		for _, client := range msg.Awareness.Clients {
			if prev, ok := states[client.ClientID]; ok && prev.Clock > client.Clock {
				continue
			}
			states[client.ClientID] = client
		}
	}
	r.broadcast(p, raw)
}

// remove unregisters p and announces that its awareness states are gone.
// It reports whether the room is now empty.
func (r *room) remove(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p]; !ok {
		return len(r.peers) == 0
	}
	delete(r.peers, p)

	var gone []replica.AwarenessClient
	for _, client := range r.awareness[p] {
		if isNull(client.State) {
			continue
		}
		gone = append(gone, replica.AwarenessClient{
			ClientID: client.ClientID,
			Clock:    client.Clock + 1,
			State:    json.RawMessage("null"),
		})
	}
	delete(r.awareness, p)
	if len(gone) > 0 {
		sort.Slice(gone, func(i, j int) bool { return gone[i].ClientID < gone[j].ClientID })
		raw, err := channel.EncodeMessage(channel.Message{
			Kind:      channel.KindAwareness,
			From:      relayPeerID,
			Awareness: &replica.AwarenessUpdate{Clients: gone},
		})
		if err == nil {
			r.broadcast(nil, raw)
		}
	}
	return len(r.peers) == 0
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *room) members() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *room) broadcast(from *peer, raw []byte) {
	for p := range r.peers {
		if p == from {
			continue
		}
		if !p.enqueue(raw) {
			r.logger.Warn("relay: peer too slow, disconnecting", "room", r.name, "peer", p.id)
			p.close()
		}
	}
}

func (r *room) deliver(p *peer, msg channel.Message) {
	raw, err := channel.EncodeMessage(msg)
	if err != nil {
		r.logger.Warn("relay: encode message", "room", r.name, "err", err)
		return
	}
	if !p.enqueue(raw) {
		p.close()
	}
}

func isNull(state json.RawMessage) bool {
	return len(state) == 0 || bytes.Equal(state, []byte("null"))
}
