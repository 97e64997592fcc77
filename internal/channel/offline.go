package channel

import (
	"context"
	"sync/atomic"

	"fullscreen/board/internal/replica"
)

// Offline is a network channel without a relay. It still owns an awareness
// so presence works locally.
type Offline struct {
	room      string
	awareness *replica.Awareness
	connected atomic.Bool
}

func NewOffline(room string, st *replica.Store) *Offline {
	return &Offline{room: room, awareness: replica.NewAwareness(st.ClientID())}
}

func OfflineFactory() NetworkFactory {
	return func(room string, st *replica.Store) (Network, error) {
		return NewOffline(room, st), nil
	}
}

func (o *Offline) Connect(ctx context.Context) error {
	o.connected.Store(true)
	return nil
}

func (o *Offline) Disconnect() {
	if o.connected.Swap(false) {
		_ = o.awareness.SetLocalState(nil)
	}
}

func (o *Offline) Room() string                  { return o.room }
func (o *Offline) Awareness() *replica.Awareness { return o.awareness }
func (o *Offline) SetPassive(bool)               {}
func (o *Offline) Connected() bool               { return o.connected.Load() }
