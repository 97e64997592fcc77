package archive

import (
	"context"
	"errors"
	"testing"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/identity"
	"fullscreen/board/internal/replica"
)

type participant string

func (p participant) Participant() identity.Participant { return identity.Participant{ID: string(p)} }

func newSnapshot(t *testing.T) (board.ID, []byte) {
	t.Helper()
	st := replica.NewStore()
	m := board.NewManager(st, participant("avery"))
	id, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	raw, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	return id, raw
}

func TestHistoryLifecycle(t *testing.T) {
	h := NewHistory(t.TempDir())
	meta := board.Meta{ID: "b1", CreatedBy: "avery"}

	first, err := h.Commit("b1", []byte("v1"), meta, "Avery", "First")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if first.Hash == "" || first.Author != "Avery" {
		t.Fatalf("Commit() = %+v", first)
	}
	if _, err := h.Commit("b1", []byte("v1"), meta, "Avery", "Again"); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("unchanged Commit() error = %v, want ErrUnchanged", err)
	}
	if _, err := h.Commit("b1", []byte("v2"), meta, "Avery", "Second"); err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}

	log, err := h.Log("b1", 0)
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if len(log) != 2 || log[0].Message != "Second" {
		t.Fatalf("Log() = %+v", log)
	}
	if limited, _ := h.Log("b1", 1); len(limited) != 1 {
		t.Fatalf("Log(limit 1) = %d entries", len(limited))
	}

	latest, err := h.Snapshot("b1", "")
	if err != nil || string(latest) != "v2" {
		t.Fatalf("Snapshot(latest) = %q, %v", latest, err)
	}
	old, err := h.Snapshot("b1", first.Hash)
	if err != nil || string(old) != "v1" {
		t.Fatalf("Snapshot(%s) = %q, %v", first.Hash, old, err)
	}
}

func TestHistoryMissingBoard(t *testing.T) {
	h := NewHistory(t.TempDir())
	if _, err := h.Log("nope", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Log() error = %v, want ErrNotFound", err)
	}
	if _, err := h.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestHistoryPutUsesSnapshotMetadata(t *testing.T) {
	h := NewHistory(t.TempDir())
	id, raw := newSnapshot(t)
	ctx := context.Background()

	if err := h.Put(ctx, id, raw); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := h.Put(ctx, id, raw); err != nil {
		t.Fatalf("repeated Put() error = %v", err)
	}
	log, err := h.Log(id, 0)
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	if len(log) != 1 || log[0].Author != "avery" {
		t.Fatalf("Log() = %+v, want one revision by avery", log)
	}
	got, err := h.Get(ctx, id)
	if err != nil || string(got) != string(raw) {
		t.Fatalf("Get() = %d bytes, %v", len(got), err)
	}
}
