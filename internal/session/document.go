package session

import (
	"fullscreen/board/internal/board"
	"fullscreen/board/internal/presence"
)

// Document runs lifecycle operations on the session's replica. Operations
// are serialized with Open and Close.
type Document struct {
	m *Manager
}

func (m *Manager) Document() Document {
	return Document{m: m}
}

func (d Document) Create() (board.ID, error) {
	d.m.opMu.Lock()
	defer d.m.opMu.Unlock()
	return d.m.doc.Create()
}

func (d Document) Duplicate() (board.ID, error) {
	d.m.opMu.Lock()
	defer d.m.opMu.Unlock()
	return d.m.doc.Duplicate()
}

func (d Document) Load(snapshot []byte, source string) (board.ID, error) {
	d.m.opMu.Lock()
	defer d.m.opMu.Unlock()
	return d.m.doc.Load(snapshot, source)
}

func (d Document) Serialize() ([]byte, error) {
	return d.m.doc.Serialize()
}

func (d Document) Meta() (board.Meta, bool) {
	return d.m.doc.Meta()
}

func (d Document) IsLoading() bool {
	return d.m.doc.IsLoading()
}

// Presence returns the presence coordinator of the active board, nil when
// no board is open.
func (m *Manager) Presence() *presence.Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presence
}

// UpdatePresence publishes the local user on the active board.
func (m *Manager) UpdatePresence(user presence.User) {
	if c := m.Presence(); c != nil {
		c.Update(user)
	}
}
