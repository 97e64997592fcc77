// Package session wires a replica to the channels of the board being viewed
// and derives what the UI shows: contents, metadata and availability.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/channel"
	"fullscreen/board/internal/identity"
	"fullscreen/board/internal/presence"
	"fullscreen/board/internal/replica"
)

var ErrNotOpen = errors.New("no board open")

// DefaultNotFoundGrace is how long a board must stay missing after the
// session is ready before NotFoundSettled reports it.
const DefaultNotFoundGrace = time.Second

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Context is everything the UI renders for the open board. A new value is
// built whenever the board id changes.
type Context struct {
	BoardID      board.ID
	PassiveMode  bool
	Contents     board.Contents
	Meta         board.Meta
	MetaComplete bool
	Status       board.Status
	Participant  identity.Participant
}

type Options struct {
	Providers        channel.Providers
	Identity         board.ParticipantSource
	PresenceThrottle time.Duration
	NotFoundGrace    time.Duration
	Passive          bool
	Logger           *slog.Logger
	Now              func() time.Time
}

// Manager owns the session context and the channel wiring of one replica.
// It is the only place that opens and tears down channels.
type Manager struct {
	store       *replica.Store
	providers   channel.Providers
	doc         *board.Manager
	participant identity.Participant
	throttle    time.Duration
	grace       time.Duration
	logger      *slog.Logger
	now         func() time.Time

	// opMu serializes Open, Close and document operations.
	opMu sync.Mutex

	// mu guards the fields below and is never held during channel I/O.
	mu         sync.Mutex
	state      State
	current    Context
	generation uint64
	passive    bool
	channels   *channel.Set
	presence   *presence.Coordinator
	unobserve  []func()
	readyAt    time.Time

	notifyMu  sync.Mutex
	watchMu   sync.Mutex
	watchers  map[uint64]func(Context)
	nextWatch uint64
}

func NewManager(st *replica.Store, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PresenceThrottle <= 0 {
		opts.PresenceThrottle = presence.DefaultThrottle
	}
	if opts.NotFoundGrace < 0 {
		opts.NotFoundGrace = 0
	}
	if opts.Providers.Logger == nil {
		opts.Providers.Logger = opts.Logger
	}

	var participant identity.Participant
	if opts.Identity != nil {
		participant = opts.Identity.Participant()
	}
	m := &Manager{
		store:       st,
		providers:   opts.Providers,
		participant: participant,
		throttle:    opts.PresenceThrottle,
		grace:       opts.NotFoundGrace,
		logger:      opts.Logger,
		now:         opts.Now,
		passive:     opts.Passive,
		watchers:    make(map[uint64]func(Context)),
	}
	m.current = Context{PassiveMode: m.passive, Participant: participant}
	m.doc = board.NewManager(st, fixedParticipant(participant), board.WithLogger(opts.Logger), board.WithClock(opts.Now))
	m.doc.SetHooks(board.Hooks{
		Detach:  m.detachChannels,
		Refresh: m.refreshContents,
	})
	return m
}

type fixedParticipant identity.Participant

func (p fixedParticipant) Participant() identity.Participant { return identity.Participant(p) }

// Open makes id the active board. Another active board is torn down first.
// The replica is reset unless it already holds id, so a board created,
// loaded or duplicated just before is kept.
func (m *Manager) Open(ctx context.Context, id board.ID) error {
	if strings.TrimSpace(string(id)) == "" {
		return board.ErrInvalidBoardID
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateDisconnected && m.current.BoardID == id {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.teardown()

	if board.StatusOf(m.store, id) != board.StatusOK {
		if err := m.store.Reset(nil); err != nil {
			return fmt.Errorf("reset replica: %w", err)
		}
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.state = StateConnecting
	m.current = Context{BoardID: id, PassiveMode: m.passive, Participant: m.participant}
	passive := m.passive
	m.mu.Unlock()
	m.notify()

	set, err := m.passiveProviders(passive).Open(ctx, string(id), m.store)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify()
		return fmt.Errorf("open board %s: %w", id, err)
	}
	coordinator := presence.NewCoordinator(set.Network.Awareness(), m.participant.ID,
		presence.WithThrottle(m.throttle),
		presence.WithPassive(passive),
		presence.WithLogger(m.logger),
	)

	unobserve := []func(){
		m.store.Observe(replica.MapBoard, func(replica.Event) { m.refreshMeta(gen) }),
		m.store.ObserveDeep(func([]replica.Event) { m.refreshContentsFor(gen) }, replica.MapShapes, replica.MapBindings),
	}

	m.mu.Lock()
	m.channels = set
	m.presence = coordinator
	m.unobserve = unobserve
	m.current.Contents = board.ReadContents(m.store)
	m.applyMetaLocked()
	m.state = StateReady
	m.readyAt = m.now()
	status := m.current.Status
	m.mu.Unlock()
	m.notify()

	m.logger.Info("session: opened", "board", id, "room", set.Room,
		"online", set.Network.Connected(), "durable", set.Persistence != nil, "status", status)
	return nil
}

// passiveProviders applies passive mode to the network channel before it
// connects, so nothing is offered to the room.
func (m *Manager) passiveProviders(passive bool) channel.Providers {
	providers := m.providers
	newNetwork := providers.Network
	if newNetwork == nil {
		newNetwork = channel.OfflineFactory()
	}
	providers.Network = func(room string, st *replica.Store) (channel.Network, error) {
		network, err := newNetwork(room, st)
		if err != nil {
			return nil, err
		}
		network.SetPassive(passive)
		return network, nil
	}
	return providers
}

// Close tears the session down: presence, observers, network channel and
// durable channel, in that order. It is safe to call repeatedly.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.generation++
	coordinator, unobserve, set := m.presence, m.unobserve, m.channels
	m.presence, m.unobserve, m.channels = nil, nil, nil
	id := m.current.BoardID
	m.state = StateDisconnected
	m.readyAt = time.Time{}
	m.current = Context{PassiveMode: m.passive, Participant: m.participant}
	m.mu.Unlock()

	if coordinator != nil {
		coordinator.Disconnect()
	}
	for _, fn := range unobserve {
		fn()
	}
	set.Close()
	m.notify()
	m.logger.Info("session: closed", "board", id)
}

// detachChannels disconnects the channels of the active board without
// ending the session.
func (m *Manager) detachChannels() {
	m.mu.Lock()
	set := m.channels
	m.mu.Unlock()
	set.Close()
}

func (m *Manager) refreshMeta(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.applyMetaLocked()
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) applyMetaLocked() {
	meta, missing := board.ReadMeta(m.store)
	m.current.Meta = meta
	m.current.MetaComplete = len(missing) == 0
	m.current.Status = board.StatusOf(m.store, m.current.BoardID)
}

func (m *Manager) refreshContents() {
	m.mu.Lock()
	gen := m.generation
	active := m.state != StateDisconnected
	m.mu.Unlock()
	if active {
		m.refreshContentsFor(gen)
	}
}

func (m *Manager) refreshContentsFor(gen uint64) {
	contents := board.ReadContents(m.store)
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.current.Contents = contents
	m.mu.Unlock()
	m.notify()
}

// OnLocalEdit applies the widget's changes as one undoable transaction. A
// nil record deletes it.
func (m *Manager) OnLocalEdit(shapes, bindings board.Delta) error {
	if m.State() == StateDisconnected {
		return ErrNotOpen
	}
	m.store.UndoManager().StopCapturing()
	return m.store.Transact(replica.LocalOrigin, func(tx *replica.Txn) error {
		apply(tx, replica.MapShapes, shapes)
		apply(tx, replica.MapBindings, bindings)
		return nil
	})
}

func apply(tx *replica.Txn, mapName string, delta board.Delta) {
	for key, record := range delta {
		if record == nil {
			tx.Delete(mapName, key)
			continue
		}
		tx.SetRaw(mapName, key, record)
	}
}

func (m *Manager) Undo() bool { return m.store.Undo() }
func (m *Manager) Redo() bool { return m.store.Redo() }

// SetPassiveMode gates outgoing presence and document updates. Incoming
// updates are still applied.
func (m *Manager) SetPassiveMode(passive bool) {
	m.mu.Lock()
	m.passive = passive
	m.current.PassiveMode = passive
	set, coordinator := m.channels, m.presence
	m.mu.Unlock()

	if set != nil {
		set.Network.SetPassive(passive)
	}
	if coordinator != nil {
		coordinator.SetPassive(passive)
	}
	m.notify()
}

func (m *Manager) PassiveMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passive
}

// IsLoading is true until the active board has been read, and while a
// snapshot is being loaded.
func (m *Manager) IsLoading() bool {
	return m.State() != StateReady || m.doc.IsLoading()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the current session context.
func (m *Manager) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyContext(m.current)
}

func (m *Manager) Status() board.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Status
}

func (m *Manager) Meta() (board.Meta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Meta, m.current.MetaComplete
}

func (m *Manager) Contents() board.Contents {
	return m.Context().Contents
}

func (m *Manager) Participant() identity.Participant {
	return m.participant
}

// NotFoundSettled reports a missing board only once the session has been
// ready for the grace period, so content still in flight is not mistaken
// for a board that does not exist.
func (m *Manager) NotFoundSettled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady &&
		m.current.Status == board.StatusNotFound &&
		m.now().Sub(m.readyAt) >= m.grace
}

// Network returns the network channel of the active board, nil when none.
func (m *Manager) Network() channel.Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels == nil {
		return nil
	}
	return m.channels.Network
}

// Watch calls fn with a copy of the context after every change. Callbacks
// must not call Open or Close.
func (m *Manager) Watch(fn func(Context)) (unwatch func()) {
	m.watchMu.Lock()
	m.nextWatch++
	id := m.nextWatch
	m.watchers[id] = fn
	m.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.watchMu.Lock()
			delete(m.watchers, id)
			m.watchMu.Unlock()
		})
	}
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.watchMu.Lock()
	fns := make([]func(Context), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()
	if len(fns) == 0 {
		return
	}
	snapshot := m.Context()
	for _, fn := range fns {
		fn(copyContext(snapshot))
	}
}

func copyContext(c Context) Context {
	out := c
	out.Contents = board.Contents{
		Shapes:   copyRecords(c.Contents.Shapes),
		Bindings: copyRecords(c.Contents.Bindings),
	}
	return out
}

func copyRecords(in map[string]board.Record) map[string]board.Record {
	if in == nil {
		return nil
	}
	out := make(map[string]board.Record, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
