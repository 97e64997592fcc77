package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/replica"
	"fullscreen/board/internal/store"
)

const (
	postgresTimeout     = 5 * time.Second
	defaultCompactEvery = 100
	postgresQueueSize   = 256
)

type PostgresOptions struct {
	// CompactEvery is the number of appended updates after which the room
	// is compacted into a snapshot.
	CompactEvery int
	Logger       *slog.Logger
}

// Postgres keeps a room's replica as an append-only update log with a
// compacted snapshot. It also records the board in the boards directory
// table once its metadata is known.
type Postgres struct {
	db           *store.PostgresStore
	room         string
	store        *replica.Store
	epoch        uint64
	compactEvery int
	logger       *slog.Logger
	synced       chan struct{}
	unsub        func()

	queue chan []byte
	done  chan struct{}

	// Owned by the writer goroutine.
	lastID   int64
	appended int
	recorded string

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// OpenPostgres replays the stored room into st and starts appending updates.
func OpenPostgres(ctx context.Context, db *store.PostgresStore, room string, st *replica.Store, opts PostgresOptions) (*Postgres, error) {
	if opts.CompactEvery <= 0 {
		opts.CompactEvery = defaultCompactEvery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Postgres{
		db:           db,
		room:         room,
		store:        st,
		compactEvery: opts.CompactEvery,
		logger:       opts.Logger,
		synced:       make(chan struct{}),
		queue:        make(chan []byte, postgresQueueSize),
		done:         make(chan struct{}),
	}

	loadCtx, cancel := context.WithTimeout(ctx, postgresTimeout)
	defer cancel()
	snapshot, updates, err := db.LoadRoom(loadCtx, room)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(snapshot.Payload) > 0 {
		if err := st.ApplyUpdate(snapshot.Payload, p); err != nil {
			p.logger.Warn("channel: ignoring unreadable snapshot", "room", room, "err", err)
		}
	}
	p.lastID = snapshot.LastUpdateID
	for _, update := range updates {
		if err := st.ApplyUpdate(update.Payload, p); err != nil {
			p.logger.Warn("channel: ignoring unreadable update", "room", room, "id", update.ID, "err", err)
		}
		p.lastID = update.ID
	}

	p.epoch = st.Epoch()
	go p.writer()
	p.unsub = st.OnUpdate(func(update []byte, origin any) {
		if origin == p {
			return
		}
		p.push(update)
	})
	close(p.synced)

	// Persist state that existed before the room was stored.
	p.push(st.Encode())
	return p, nil
}

// PostgresFactory opens Postgres channels over one store.
func PostgresFactory(db *store.PostgresStore, opts PostgresOptions) PersistenceFactory {
	return func(ctx context.Context, room string, st *replica.Store) (Persistence, error) {
		return OpenPostgres(ctx, db, room, st, opts)
	}
}

func (p *Postgres) Synced() <-chan struct{} { return p.synced }

func (p *Postgres) push(update []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue <- update
}

func (p *Postgres) writer() {
	defer close(p.done)
	for update := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
		id, err := p.db.AppendUpdate(ctx, p.room, update)
		if err != nil {
			p.logger.Warn("channel: append update", "room", p.room, "err", err)
			cancel()
			continue
		}
		p.lastID = id
		p.appended++
		if p.appended >= p.compactEvery {
			p.compact(ctx)
		}
		p.recordBoard(ctx)
		cancel()
	}
}

func (p *Postgres) compact(ctx context.Context) {
	if p.store.Epoch() != p.epoch {
		return
	}
	if err := p.db.CompactRoom(ctx, p.room, p.store.Encode(), p.lastID); err != nil {
		p.logger.Warn("channel: compact room", "room", p.room, "err", err)
		return
	}
	p.appended = 0
}

func (p *Postgres) recordBoard(ctx context.Context) {
	if p.store.Epoch() != p.epoch {
		return
	}
	entry, ok := boardRecord(p.store, p.room)
	if !ok || entry.ID == p.recorded {
		return
	}
	if err := p.db.UpsertBoard(ctx, entry); err != nil {
		p.logger.Warn("channel: record board", "room", p.room, "err", err)
		return
	}
	p.recorded = entry.ID
}

// boardRecord is the directory row for the board in st. ok is false until
// its metadata is complete.
func boardRecord(st *replica.Store, room string) (store.Board, bool) {
	meta, missing := board.ReadMeta(st)
	if len(missing) > 0 {
		return store.Board{}, false
	}
	return store.Board{
		ID:        string(meta.ID),
		Room:      room,
		CreatedBy: meta.CreatedBy,
		CreatedOn: meta.CreatedOn,
	}, true
}

// Close drains queued updates and compacts the room.
func (p *Postgres) Close() error {
	p.once.Do(func() {
		p.unsub()
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done

		ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
		defer cancel()
		if p.appended > 0 {
			p.compact(ctx)
		}
	})
	return nil
}
