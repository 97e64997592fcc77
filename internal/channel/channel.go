// Package channel connects a replica to the places it synchronizes with: a
// network relay shared with other participants and a durable local store.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"fullscreen/board/internal/replica"
)

const roomPrefix = "yjs-fullscreen-"

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidRoom        = errors.New("invalid room")
)

// RoomName derives the relay room of a board.
func RoomName(boardID string) string {
	return roomPrefix + boardID
}

// Network is a relay connection for one room. Disconnect is safe to call
// repeatedly and on a channel that never connected.
type Network interface {
	Connect(ctx context.Context) error
	Disconnect()
	Room() string
	Awareness() *replica.Awareness
	// SetPassive stops outgoing document updates while receiving continues.
	SetPassive(passive bool)
	Connected() bool
}

// Persistence is a durable copy of one room's replica. Synced is closed once
// the stored state has been applied to the replica.
type Persistence interface {
	Synced() <-chan struct{}
	Close() error
}

type NetworkFactory func(room string, st *replica.Store) (Network, error)

type PersistenceFactory func(ctx context.Context, room string, st *replica.Store) (Persistence, error)

// Providers creates the channels of a session. A nil Network factory means
// offline; a nil Persistence factory means no durable copy.
type Providers struct {
	Network     NetworkFactory
	Persistence PersistenceFactory
	Logger      *slog.Logger
}

// Set holds the channels opened for one room.
type Set struct {
	Room        string
	Network     Network
	Persistence Persistence

	logger      *slog.Logger
	networkOnce sync.Once
	persistOnce sync.Once
}

// Open creates fresh channels for the board's room and connects them
// concurrently. Connection and storage failures are logged and leave the
// set usable: an unreachable relay keeps the network channel in its
// disconnected state, unavailable storage yields a nil Persistence.
func (p Providers) Open(ctx context.Context, boardID string, st *replica.Store) (*Set, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, fmt.Errorf("open channels: %w", ErrInvalidRoom)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	room := RoomName(boardID)

	newNetwork := p.Network
	if newNetwork == nil {
		newNetwork = OfflineFactory()
	}
	network, err := newNetwork(room, st)
	if err != nil {
		return nil, fmt.Errorf("create network channel: %w", err)
	}

	set := &Set{Room: room, Network: network, logger: logger}

	var persistence Persistence
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := network.Connect(gctx); err != nil {
			logger.Warn("channel: network connect failed", "room", room, "err", err)
		}
		return nil
	})
	if p.Persistence != nil {
		g.Go(func() error {
			durable, err := p.Persistence(gctx, room, st)
			if err != nil {
				logger.Warn("channel: durable storage unavailable", "room", room, "err", err)
				return nil
			}
			persistence = durable
			return nil
		})
	}
	_ = g.Wait()
	set.Persistence = persistence

	if err := ctx.Err(); err != nil {
		set.Close()
		return nil, fmt.Errorf("open channels: %w", err)
	}
	return set, nil
}

// DisconnectNetwork disconnects the network channel once.
func (s *Set) DisconnectNetwork() {
	if s == nil {
		return
	}
	s.networkOnce.Do(func() {
		if s.Network != nil {
			s.Network.Disconnect()
		}
	})
}

// ClosePersistence closes the durable channel once.
func (s *Set) ClosePersistence() {
	if s == nil {
		return
	}
	s.persistOnce.Do(func() {
		if s.Persistence == nil {
			return
		}
		if err := s.Persistence.Close(); err != nil {
			s.logger.Warn("channel: close durable storage", "room", s.Room, "err", err)
		}
	})
}

// Close tears the set down, network first.
func (s *Set) Close() {
	s.DisconnectNetwork()
	s.ClosePersistence()
}
