package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"fullscreen/board/internal/util"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("FULLSCREEN_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("FULLSCREEN_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	// A second run must be a no-op.
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("ApplyMigrations() second run error = %v", err)
	}
	return NewPostgresStore(db)
}

func TestRoomLogAndCompaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room := "test-" + util.NewID("")

	first, err := s.AppendUpdate(ctx, room, []byte("one"))
	if err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}
	if _, err := s.AppendUpdate(ctx, room, []byte("two")); err != nil {
		t.Fatalf("AppendUpdate() error = %v", err)
	}

	snapshot, updates, err := s.LoadRoom(ctx, room)
	if err != nil {
		t.Fatalf("LoadRoom() error = %v", err)
	}
	if snapshot.Payload != nil || len(updates) != 2 {
		t.Fatalf("LoadRoom() = %+v, %d updates; want no snapshot and 2 updates", snapshot, len(updates))
	}

	if err := s.CompactRoom(ctx, room, []byte("state"), first); err != nil {
		t.Fatalf("CompactRoom() error = %v", err)
	}
	snapshot, updates, err = s.LoadRoom(ctx, room)
	if err != nil {
		t.Fatalf("LoadRoom() error = %v", err)
	}
	if string(snapshot.Payload) != "state" || snapshot.LastUpdateID != first {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if len(updates) != 1 || string(updates[0].Payload) != "two" {
		t.Fatalf("updates after compaction = %+v", updates)
	}
}

func TestBoardDirectory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := util.NewID("")
	creator := util.NewID("")

	if _, err := s.GetBoard(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBoard() error = %v, want ErrNotFound", err)
	}
	board := Board{ID: id, Room: "yjs-fullscreen-" + id, CreatedBy: creator, CreatedOn: time.Now().UTC()}
	if err := s.UpsertBoard(ctx, board); err != nil {
		t.Fatalf("UpsertBoard() error = %v", err)
	}
	if err := s.UpsertBoard(ctx, board); err != nil {
		t.Fatalf("UpsertBoard() repeat error = %v", err)
	}
	boards, err := s.ListBoardsByCreator(ctx, creator, 0)
	if err != nil {
		t.Fatalf("ListBoardsByCreator() error = %v", err)
	}
	if len(boards) != 1 || boards[0].ID != id {
		t.Fatalf("ListBoardsByCreator() = %+v", boards)
	}
}
