package store

import "time"

// Update is one encoded replica update appended to a room's log.
type Update struct {
	ID        int64
	Room      string
	Payload   []byte
	CreatedAt time.Time
}

// Snapshot is the compacted state of a room covering every update up to
// LastUpdateID.
type Snapshot struct {
	Room         string
	Payload      []byte
	LastUpdateID int64
	UpdatedAt    time.Time
}

// Board is a directory entry for a board seen by a durable channel.
type Board struct {
	ID        string
	Room      string
	CreatedBy string
	CreatedOn time.Time
	SeenAt    time.Time
}
