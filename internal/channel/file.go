package channel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fullscreen/board/internal/replica"
	"fullscreen/board/internal/throttle"
)

// FileExtension is the extension of serialized boards.
const FileExtension = ".fullscreen"

const fileWriteInterval = 500 * time.Millisecond

// File keeps a room's replica in <dir>/<room>.fullscreen. The file is read
// once on open and rewritten with the full state, coalesced, after updates.
type File struct {
	path   string
	store  *replica.Store
	epoch  uint64
	logger *slog.Logger
	synced chan struct{}
	writes *throttle.Coalescer[struct{}]
	unsub  func()

	closeOnce sync.Once
	closeErr  error
	writeMu   sync.Mutex
}

// OpenFile loads the room file into st and starts persisting updates. It
// fails with ErrStorageUnavailable when dir cannot be used.
func OpenFile(ctx context.Context, dir, room string, st *replica.Store, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	f := &File{
		path:   filepath.Join(dir, room+FileExtension),
		store:  st,
		logger: logger,
		synced: make(chan struct{}),
	}

	raw, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	default:
		if err := st.ApplyUpdate(raw, f); err != nil {
			logger.Warn("channel: ignoring unreadable board file", "path", f.path, "err", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.epoch = st.Epoch()
	// Persist state that existed before the file did.
	if err := f.write(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	f.writes = throttle.New(fileWriteInterval, func(struct{}) {
		if err := f.write(); err != nil {
			logger.Warn("channel: write board file", "path", f.path, "err", err)
		}
	})
	f.unsub = st.OnUpdate(func([]byte, any) { f.writes.Push(struct{}{}) })
	close(f.synced)
	return f, nil
}

// FileFactory opens file channels under dir.
func FileFactory(dir string, logger *slog.Logger) PersistenceFactory {
	return func(ctx context.Context, room string, st *replica.Store) (Persistence, error) {
		return OpenFile(ctx, dir, room, st, logger)
	}
}

func (f *File) Path() string { return f.path }

func (f *File) Synced() <-chan struct{} { return f.synced }

func (f *File) write() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	// The store may already hold another board.
	if f.store.Epoch() != f.epoch {
		return nil
	}
	data := f.store.Encode()
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace board file: %w", err)
	}
	return nil
}

// Close stops listening and writes the final state.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		f.unsub()
		f.writes.Stop()
		f.closeErr = f.write()
	})
	return f.closeErr
}
