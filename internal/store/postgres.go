package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// AppendUpdate stores one update for room and returns its log position.
func (s *PostgresStore) AppendUpdate(ctx context.Context, room string, payload []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO board_updates (room, payload)
		VALUES ($1, $2)
		RETURNING id
	`, room, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append update: %w", err)
	}
	return id, nil
}

// LoadRoom returns the room's snapshot (zero when none) and the updates
// appended after it, oldest first.
func (s *PostgresStore) LoadRoom(ctx context.Context, room string) (Snapshot, []Update, error) {
	snapshot := Snapshot{Room: room}
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, last_update_id, updated_at
		FROM board_snapshots
		WHERE room = $1
	`, room).Scan(&snapshot.Payload, &snapshot.LastUpdateID, &snapshot.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil, fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at
		FROM board_updates
		WHERE room = $1 AND id > $2
		ORDER BY id ASC
	`, room, snapshot.LastUpdateID)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var updates []Update
	for rows.Next() {
		item := Update{Room: room}
		if err := rows.Scan(&item.ID, &item.Payload, &item.CreatedAt); err != nil {
			return Snapshot{}, nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, item)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, nil, fmt.Errorf("iterate updates: %w", err)
	}
	return snapshot, updates, nil
}

// CompactRoom replaces the room's snapshot with payload and drops the
// updates it covers, in one transaction.
func (s *PostgresStore) CompactRoom(ctx context.Context, room string, payload []byte, upTo int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compact tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_snapshots (room, payload, last_update_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (room) DO UPDATE
		SET payload = EXCLUDED.payload,
			last_update_id = EXCLUDED.last_update_id,
			updated_at = NOW()
		WHERE board_snapshots.last_update_id <= EXCLUDED.last_update_id
	`, room, payload, upTo); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM board_updates WHERE room = $1 AND id <= $2`, room, upTo); err != nil {
		return fmt.Errorf("prune updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compact tx: %w", err)
	}
	return nil
}

// UpsertBoard records or refreshes a board directory entry.
func (s *PostgresStore) UpsertBoard(ctx context.Context, board Board) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, room, created_by, created_on, seen_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET seen_at = NOW()
	`, board.ID, board.Room, board.CreatedBy, board.CreatedOn)
	if err != nil {
		return fmt.Errorf("upsert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, id string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room, created_by, created_on, seen_at
		FROM boards
		WHERE id = $1
	`, id).Scan(&board.ID, &board.Room, &board.CreatedBy, &board.CreatedOn, &board.SeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, ErrNotFound
	}
	if err != nil {
		return Board{}, fmt.Errorf("get board: %w", err)
	}
	return board, nil
}

// ListBoardsByCreator returns the boards created by participantID, newest
// first. A limit of zero or less means 20.
func (s *PostgresStore) ListBoardsByCreator(ctx context.Context, participantID string, limit int) ([]Board, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room, created_by, created_on, seen_at
		FROM boards
		WHERE created_by = $1
		ORDER BY created_on DESC
		LIMIT $2
	`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var boards []Board
	for rows.Next() {
		var board Board
		if err := rows.Scan(&board.ID, &board.Room, &board.CreatedBy, &board.CreatedOn, &board.SeenAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, board)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return boards, nil
}
