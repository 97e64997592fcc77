package replica

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// OutdatedTimeout is how long a remote awareness state survives without
// being renewed.
const OutdatedTimeout = 30 * time.Second

// AwarenessClient is the wire form of one client's ephemeral state. A null
// or empty State announces that the client is gone.
type AwarenessClient struct {
	ClientID uint64          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"`
}

// AwarenessUpdate carries the states of one or more clients.
type AwarenessUpdate struct {
	Clients []AwarenessClient `json:"clients"`
}

// AwarenessChange lists the client ids affected by one awareness update.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c AwarenessChange) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every affected client id, sorted.
func (c AwarenessChange) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type awarenessMeta struct {
	clock       uint64
	lastUpdated time.Time
}

type awarenessSub struct {
	id         uint64
	changeOnly bool
	fn         func(AwarenessChange, any)
}

// Awareness holds the ephemeral, non-persisted per-client state shared over
// a channel (presence). It is keyed by replica client id.
type Awareness struct {
	clientID uint64
	now      func() time.Time

	mu     sync.Mutex
	states map[uint64]json.RawMessage
	meta   map[uint64]awarenessMeta

	subMu sync.Mutex
	subs  []*awarenessSub
	next  uint64
}

func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		now:      time.Now,
		states:   make(map[uint64]json.RawMessage),
		meta:     make(map[uint64]awarenessMeta),
	}
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// SetLocalState replaces the local client's state. A nil state withdraws it.
func (a *Awareness) SetLocalState(state any) error {
	var raw json.RawMessage
	if state != nil {
		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode awareness state: %w", err)
		}
		if !bytes.Equal(encoded, []byte("null")) {
			raw = encoded
		}
	}

	a.mu.Lock()
	prev, existed := a.states[a.clientID]
	meta := a.meta[a.clientID]
	a.meta[a.clientID] = awarenessMeta{clock: meta.clock + 1, lastUpdated: a.now()}

	var change AwarenessChange
	changed := false
	switch {
	case raw == nil && existed:
		delete(a.states, a.clientID)
		change.Removed = []uint64{a.clientID}
		changed = true
	case raw == nil:
		a.mu.Unlock()
		return nil
	case !existed:
		a.states[a.clientID] = raw
		change.Added = []uint64{a.clientID}
		changed = true
	default:
		a.states[a.clientID] = raw
		change.Updated = []uint64{a.clientID}
		changed = !bytes.Equal(prev, raw)
	}
	a.mu.Unlock()

	a.emit(change, changed, LocalOrigin)
	return nil
}

// LocalState returns the local client's state, nil when withdrawn.
func (a *Awareness) LocalState() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneRaw(a.states[a.clientID])
}

// States returns a copy of every known client state, the local one included.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]json.RawMessage, len(a.states))
	for id, state := range a.states {
		out[id] = cloneRaw(state)
	}
	return out
}

// Encode returns the wire form of the given clients, or of all known
// clients when none are listed. Withdrawn clients encode with a null state.
func (a *Awareness) Encode(clients ...uint64) AwarenessUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(clients) == 0 {
		for id := range a.meta {
			clients = append(clients, id)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	}
	update := AwarenessUpdate{Clients: make([]AwarenessClient, 0, len(clients))}
	for _, id := range clients {
		meta, ok := a.meta[id]
		if !ok {
			continue
		}
		update.Clients = append(update.Clients, AwarenessClient{
			ClientID: id,
			Clock:    meta.clock,
			State:    cloneRaw(a.states[id]),
		})
	}
	return update
}

// ApplyUpdate merges states received from other clients. Stale clocks are
// ignored; a null state at the current clock removes the client.
func (a *Awareness) ApplyUpdate(update AwarenessUpdate, origin any) {
	now := a.now()
	var (
		change  AwarenessChange
		renewed []uint64
		changed bool
	)

	a.mu.Lock()
	for _, client := range update.Clients {
		state := client.State
		if bytes.Equal(state, []byte("null")) {
			state = nil
		}
		meta, known := a.meta[client.ClientID]
		prev, existed := a.states[client.ClientID]

		if client.ClientID == a.clientID {
			// Peers may think we left; announce the local state again.
			if state == nil && existed && client.Clock >= meta.clock {
				a.meta[a.clientID] = awarenessMeta{clock: client.Clock + 1, lastUpdated: now}
				renewed = append(renewed, a.clientID)
			}
			continue
		}

		if known && !(meta.clock < client.Clock || (meta.clock == client.Clock && state == nil && existed)) {
			continue
		}
		a.meta[client.ClientID] = awarenessMeta{clock: client.Clock, lastUpdated: now}

		switch {
		case state == nil && existed:
			delete(a.states, client.ClientID)
			change.Removed = append(change.Removed, client.ClientID)
			changed = true
		case state == nil:
		case !existed:
			a.states[client.ClientID] = cloneRaw(state)
			change.Added = append(change.Added, client.ClientID)
			changed = true
		default:
			a.states[client.ClientID] = cloneRaw(state)
			change.Updated = append(change.Updated, client.ClientID)
			if !bytes.Equal(prev, state) {
				changed = true
			}
		}
	}
	a.mu.Unlock()

	if len(renewed) > 0 {
		a.emit(AwarenessChange{Updated: renewed}, false, LocalOrigin)
	}
	a.emit(change, changed, origin)
}

// RemoveStates drops the given clients locally, as when a peer disconnects.
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	var change AwarenessChange
	a.mu.Lock()
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			meta := a.meta[id]
			a.meta[id] = awarenessMeta{clock: meta.clock + 1, lastUpdated: a.now()}
		}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()
	a.emit(change, true, origin)
}

// RemoteClients returns the ids of every known client except this one.
func (a *Awareness) RemoteClients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.states))
	for id := range a.states {
		if id != a.clientID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckOutdated renews the local state when half of timeout has passed and
// removes remote states that were not renewed within timeout.
func (a *Awareness) CheckOutdated(timeout time.Duration) {
	now := a.now()
	var (
		stale []uint64
		renew bool
	)
	a.mu.Lock()
	if _, ok := a.states[a.clientID]; ok {
		meta := a.meta[a.clientID]
		if now.Sub(meta.lastUpdated) >= timeout/2 {
			a.meta[a.clientID] = awarenessMeta{clock: meta.clock + 1, lastUpdated: now}
			renew = true
		}
	}
	for id, meta := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(meta.lastUpdated) >= timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	if renew {
		a.emit(AwarenessChange{Updated: []uint64{a.clientID}}, false, LocalOrigin)
	}
	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		a.RemoveStates(stale, "timeout")
	}
}

// OnChange subscribes to updates that added, removed or modified a state.
func (a *Awareness) OnChange(fn func(AwarenessChange, any)) (unsubscribe func()) {
	return a.subscribe(true, fn)
}

// OnUpdate subscribes to every applied update, renewals included.
func (a *Awareness) OnUpdate(fn func(AwarenessChange, any)) (unsubscribe func()) {
	return a.subscribe(false, fn)
}

func (a *Awareness) subscribe(changeOnly bool, fn func(AwarenessChange, any)) func() {
	a.subMu.Lock()
	a.next++
	sub := &awarenessSub{id: a.next, changeOnly: changeOnly, fn: fn}
	a.subs = append(a.subs, sub)
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			defer a.subMu.Unlock()
			for i, candidate := range a.subs {
				if candidate.id == sub.id {
					a.subs = append(a.subs[:i:i], a.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscriberCount reports the number of active subscriptions.
func (a *Awareness) SubscriberCount() int {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	return len(a.subs)
}

func (a *Awareness) emit(change AwarenessChange, changed bool, origin any) {
	if change.empty() {
		return
	}
	a.subMu.Lock()
	subs := append([]*awarenessSub(nil), a.subs...)
	a.subMu.Unlock()
	for _, sub := range subs {
		if sub.changeOnly && !changed {
			continue
		}
		sub.fn(change, origin)
	}
}
