// Package archive keeps serialized boards outside the live channels: plain
// files, an object store bucket and a git history per board.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/channel"
)

var (
	ErrNotFound  = errors.New("snapshot not found")
	ErrUnchanged = errors.New("snapshot unchanged")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,199}$`)

// Archive stores the latest snapshot of each board.
type Archive interface {
	Put(ctx context.Context, id board.ID, snapshot []byte) error
	Get(ctx context.Context, id board.ID) ([]byte, error)
}

func checkID(id board.ID) error {
	if !idPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", board.ErrInvalidBoardID, id)
	}
	return nil
}

// FileName is the archive file name of a board.
func FileName(id board.ID) string {
	return string(id) + channel.FileExtension
}

// WriteFile saves snapshot to path, replacing it atomically.
func WriteFile(path string, snapshot []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".board-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadFile reads a snapshot saved by WriteFile.
func ReadFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return raw, nil
}

// Dir archives boards as <dir>/<id>.fullscreen.
type Dir struct {
	dir string
}

func NewDir(dir string) *Dir {
	return &Dir{dir: dir}
}

func (d *Dir) Path(id board.ID) string {
	return filepath.Join(d.dir, FileName(id))
}

func (d *Dir) Put(ctx context.Context, id board.ID, snapshot []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteFile(d.Path(id), snapshot)
}

func (d *Dir) Get(ctx context.Context, id board.ID) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadFile(d.Path(id))
}
