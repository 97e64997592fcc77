package board

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"fullscreen/board/internal/identity"
	"fullscreen/board/internal/replica"
	"fullscreen/board/internal/util"
)

type metadataOrigin struct{}

// MetadataOrigin marks metadata writes; the undo manager never tracks them.
var MetadataOrigin any = metadataOrigin{}

type ParticipantSource interface {
	Participant() identity.Participant
}

// Hooks connect the lifecycle manager to the session that owns the
// channels.
type Hooks struct {
	// Detach disconnects the channels of the current board before the
	// replica is replaced or forked.
	Detach func()
	// Refresh recomputes derived contents after a load.
	Refresh func()
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager runs document lifecycle operations against one replica.
type Manager struct {
	store       *replica.Store
	participant ParticipantSource
	logger      *slog.Logger
	now         func() time.Time

	hooks   atomic.Pointer[Hooks]
	loading atomic.Bool
}

func NewManager(st *replica.Store, participant ParticipantSource, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		participant: participant,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetHooks(h Hooks) {
	m.hooks.Store(&h)
}

func (m *Manager) detach() {
	if h := m.hooks.Load(); h != nil && h.Detach != nil {
		h.Detach()
	}
}

func (m *Manager) refresh() {
	if h := m.hooks.Load(); h != nil && h.Refresh != nil {
		h.Refresh()
	}
}

func (m *Manager) IsLoading() bool {
	return m.loading.Load()
}

// Create replaces the replica with an empty board stamped with a new id.
func (m *Manager) Create() (ID, error) {
	m.store.UndoManager().StopCapturing()
	if err := m.store.Reset(nil); err != nil {
		return "", fmt.Errorf("reset replica: %w", err)
	}
	id := ID(util.NewID(""))
	if err := m.stamp(id); err != nil {
		return "", err
	}
	m.logger.Info("board: created", "board", id)
	return id, nil
}

// Duplicate forks the current board in place under a new id. The channels
// of the original board are detached first so the fork is never written
// back to it.
func (m *Manager) Duplicate() (ID, error) {
	m.detach()
	m.store.UndoManager().StopCapturing()
	id := ID(util.NewID(""))
	if err := m.stamp(id); err != nil {
		return "", err
	}
	m.logger.Info("board: duplicated", "board", id)
	return id, nil
}

func (m *Manager) stamp(id ID) error {
	createdBy := m.participant.Participant().ID
	createdOn := m.now().UTC().Format(time.RFC3339Nano)
	err := m.store.Transact(MetadataOrigin, func(tx *replica.Txn) error {
		if err := tx.Set(replica.MapBoard, KeyID, string(id)); err != nil {
			return err
		}
		if err := tx.Set(replica.MapBoard, KeyCreatedBy, createdBy); err != nil {
			return err
		}
		return tx.Set(replica.MapBoard, KeyCreatedOn, createdOn)
	})
	if err != nil {
		return fmt.Errorf("write board metadata: %w", err)
	}
	return nil
}

// Load replaces the replica with snapshot. source names where the snapshot
// came from and only appears in messages. The snapshot is checked on a
// scratch replica first; when it cannot be decoded or lacks metadata the
// live replica never sees it and a new board is created instead. Its id is
// returned together with a *RecoveredError.
func (m *Manager) Load(snapshot []byte, source string) (ID, error) {
	m.loading.Store(true)
	m.detach()

	scratch := replica.NewStore(replica.WithLogger(m.logger))
	if err := scratch.Reset(snapshot); err != nil {
		m.loading.Store(false)
		m.logger.Warn("board: snapshot cannot be decoded", "source", source, "err", err)
		return m.recover(&RecoveredError{Reason: ErrCorruptSnapshot, Source: source})
	}
	meta, missing := ReadMeta(scratch)
	if len(missing) > 0 {
		m.loading.Store(false)
		m.logger.Warn("board: outdated document", "source", source, "missing", missing)
		return m.recover(&RecoveredError{Reason: ErrOutdatedDocument, Source: source, Missing: missing})
	}

	err := m.store.Reset(snapshot)
	if err == nil {
		m.refresh()
	}
	m.loading.Store(false)
	if err != nil {
		return "", fmt.Errorf("load snapshot: %w", err)
	}
	m.logger.Info("board: loaded", "board", meta.ID, "source", source)
	return meta.ID, nil
}

func (m *Manager) recover(notice *RecoveredError) (ID, error) {
	id, err := m.Create()
	if err != nil {
		return "", err
	}
	return id, notice
}

// Serialize encodes the full replica state for a later Load.
func (m *Manager) Serialize() ([]byte, error) {
	if _, ok := m.store.GetString(replica.MapBoard, KeyID); !ok {
		return nil, ErrNoBoard
	}
	return m.store.Encode(), nil
}

// Meta returns the current board metadata; ok is false when any required
// field is missing.
func (m *Manager) Meta() (Meta, bool) {
	meta, missing := ReadMeta(m.store)
	return meta, len(missing) == 0
}
