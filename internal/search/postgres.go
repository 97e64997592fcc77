package search

import (
	"context"
	"strings"

	"fullscreen/board/internal/store"
)

// Postgres answers directory queries from the boards table that durable
// Postgres channels maintain.
type Postgres struct {
	db *store.PostgresStore
}

func NewPostgres(db *store.PostgresStore) *Postgres {
	return &Postgres{db: db}
}

// Healthy always returns true; a down database surfaces as a Find error.
func (p *Postgres) Healthy() bool {
	return p != nil
}

// Find lists boards by creator. Text is not supported and matches nothing
// beyond the creator filter.
func (p *Postgres) Find(ctx context.Context, q Query) ([]Entry, error) {
	if strings.TrimSpace(q.CreatedBy) == "" {
		return nil, nil
	}
	boards, err := p.db.ListBoardsByCreator(ctx, q.CreatedBy, q.Limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(boards))
	for _, b := range boards {
		if q.Text != "" && !strings.Contains(b.ID, q.Text) {
			continue
		}
		entries = append(entries, Entry{
			ID:        b.ID,
			Room:      b.Room,
			CreatedBy: b.CreatedBy,
			CreatedOn: b.CreatedOn,
		})
	}
	return entries, nil
}
