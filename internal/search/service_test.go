package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/identity"
	"fullscreen/board/internal/replica"
)

type fakeIndex struct {
	healthy bool
	entries []Entry
	findErr error
	indexed []Entry
	deleted []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Find(ctx context.Context, q Query) ([]Entry, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []Entry
	for _, e := range f.entries {
		if q.CreatedBy == "" || e.CreatedBy == q.CreatedBy {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeIndex) IndexBoards(entries []Entry) error {
	f.indexed = append(f.indexed, entries...)
	return nil
}

func (f *fakeIndex) DeleteBoard(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestFindPrefersHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, entries: []Entry{{ID: "b1", CreatedBy: "p1"}}}
	directory := &fakeIndex{healthy: true, entries: []Entry{{ID: "b2", CreatedBy: "p1"}}}
	svc := NewService(index, directory, nil)

	resp, err := svc.Find(context.Background(), Query{CreatedBy: "p1"})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if resp.Source != "index" || len(resp.Entries) != 1 || resp.Entries[0].ID != "b1" {
		t.Fatalf("Find() = %+v", resp)
	}
}

func TestFindFallsBackToDirectory(t *testing.T) {
	directory := &fakeIndex{healthy: true, entries: []Entry{{ID: "b2", CreatedBy: "p1"}}}
	tests := []struct {
		name  string
		index Index
	}{
		{"unhealthy index", &fakeIndex{healthy: false}},
		{"failing index", &fakeIndex{healthy: true, findErr: errors.New("boom")}},
		{"nil meili", (*Meili)(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewService(tt.index, directory, nil).Find(context.Background(), Query{CreatedBy: "p1"})
			if err != nil {
				t.Fatalf("Find() error = %v", err)
			}
			if resp.Source != "directory" || len(resp.Entries) != 1 {
				t.Fatalf("Find() = %+v", resp)
			}
		})
	}
}

func TestFindWithoutSources(t *testing.T) {
	resp, err := NewService(nil, nil, nil).Find(context.Background(), Query{})
	if err == nil {
		t.Fatal("Find() without sources returned no error")
	}
	if resp.Entries == nil {
		t.Fatal("Entries is nil")
	}
}

func TestReindexCopiesDirectory(t *testing.T) {
	index := &fakeIndex{healthy: true}
	directory := &fakeIndex{healthy: true, entries: []Entry{{ID: "b1", CreatedBy: "p1"}, {ID: "b2", CreatedBy: "p2"}}}
	n, err := NewService(index, directory, nil).Reindex(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if n != 1 || len(index.indexed) != 1 || index.indexed[0].ID != "b1" {
		t.Fatalf("Reindex() = %d, indexed %+v", n, index.indexed)
	}
}

type participant string

func (p participant) Participant() identity.Participant { return identity.Participant{ID: string(p)} }

func TestEntryFromStore(t *testing.T) {
	st := replica.NewStore()
	if _, ok := EntryFromStore(st, "room"); ok {
		t.Fatal("EntryFromStore() accepted an empty replica")
	}
	id, err := board.NewManager(st, participant("p1")).Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := st.Transact(replica.LocalOrigin, func(tx *replica.Txn) error {
		return tx.Set(replica.MapShapes, "s1", "x")
	}); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	entry, ok := EntryFromStore(st, "room")
	if !ok || entry.ID != string(id) || entry.CreatedBy != "p1" || entry.Shapes != 1 {
		t.Fatalf("EntryFromStore() = %+v, %v", entry, ok)
	}
}

func TestHitToEntry(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	createdJSON, _ := json.Marshal(created)
	hit := meili.Hit{
		"id":        json.RawMessage(`"b1"`),
		"createdBy": json.RawMessage(`"p1"`),
		"createdOn": json.RawMessage(createdJSON),
		"shapes":    json.RawMessage(`3`),
	}
	entry := hitToEntry(hit)
	if entry.ID != "b1" || entry.CreatedBy != "p1" || entry.Shapes != 3 || !entry.CreatedOn.Equal(created) {
		t.Fatalf("hitToEntry() = %+v", entry)
	}
}

func TestSortNewestFirst(t *testing.T) {
	now := time.Now()
	entries := []Entry{{ID: "old", CreatedOn: now.Add(-time.Hour)}, {ID: "new", CreatedOn: now}}
	sortNewestFirst(entries)
	if entries[0].ID != "new" {
		t.Fatalf("order = %v", entries)
	}
}

func TestForgetNeedsIndex(t *testing.T) {
	index := &fakeIndex{healthy: true}
	if err := NewService(index, nil, nil).Forget("b1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if len(index.deleted) != 1 || index.deleted[0] != "b1" {
		t.Fatalf("deleted = %v, want [b1]", index.deleted)
	}

	if err := NewService(&fakeIndex{healthy: false}, nil, nil).Forget("b1"); err == nil {
		t.Fatalf("Forget() without a healthy index succeeded")
	}
	if err := NewService(nil, nil, nil).Forget("b1"); err == nil {
		t.Fatalf("Forget() without an index succeeded")
	}
}
