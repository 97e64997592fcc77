package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"fullscreen/board/internal/board"
)

func TestDirPutGet(t *testing.T) {
	dir := NewDir(filepath.Join(t.TempDir(), "boards"))
	ctx := context.Background()

	if err := dir.Put(ctx, "b1", []byte("snapshot-1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := dir.Put(ctx, "b1", []byte("snapshot-2")); err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	got, err := dir.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "snapshot-2" {
		t.Fatalf("Get() = %q", got)
	}
	if filepath.Base(dir.Path("b1")) != "b1.fullscreen" {
		t.Fatalf("Path() = %q", dir.Path("b1"))
	}

	if _, err := dir.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInvalidBoardIDs(t *testing.T) {
	dir := NewDir(t.TempDir())
	for _, id := range []board.ID{"", "../escape", ".hidden", "a/b"} {
		if err := dir.Put(context.Background(), id, nil); !errors.Is(err, board.ErrInvalidBoardID) {
			t.Fatalf("Put(%q) error = %v, want ErrInvalidBoardID", id, err)
		}
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.fullscreen")
	if err := WriteFile(path, []byte("x")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	raw, err := ReadFile(path)
	if err != nil || string(raw) != "x" {
		t.Fatalf("ReadFile() = %q, %v", raw, err)
	}
}
