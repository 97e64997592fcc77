// Package search is the board directory: which boards exist and who
// created them. Meilisearch serves queries when configured, the Postgres
// directory written by durable channels is the fallback.
package search

import (
	"context"
	"time"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/replica"
)

// Entry is one board in the directory.
type Entry struct {
	ID        string    `json:"id"`
	Room      string    `json:"room,omitempty"`
	CreatedBy string    `json:"createdBy"`
	CreatedOn time.Time `json:"createdOn"`
	Shapes    int       `json:"shapes"`
}

// Query selects directory entries. Empty fields match everything.
type Query struct {
	CreatedBy string
	Text      string
	Limit     int
}

// Response is the envelope returned by Service.Find.
type Response struct {
	Entries []Entry `json:"entries"`
	Source  string  `json:"source"`
}

type Finder interface {
	Find(ctx context.Context, q Query) ([]Entry, error)
	Healthy() bool
}

type Indexer interface {
	IndexBoards(entries []Entry) error
	DeleteBoard(id string) error
}

// Index is a directory that can be both written and queried.
type Index interface {
	Finder
	Indexer
}

// EntryFromStore describes the board held by st. ok is false when the
// replica holds no complete board.
func EntryFromStore(st *replica.Store, room string) (Entry, bool) {
	meta, missing := board.ReadMeta(st)
	if len(missing) > 0 {
		return Entry{}, false
	}
	return Entry{
		ID:        string(meta.ID),
		Room:      room,
		CreatedBy: meta.CreatedBy,
		CreatedOn: meta.CreatedOn,
		Shapes:    len(st.Keys(replica.MapShapes)),
	}, true
}
