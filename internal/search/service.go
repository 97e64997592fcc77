package search

import (
	"context"
	"fmt"
	"log/slog"
)

// Service tries the index first and falls back to the Postgres directory.
type Service struct {
	index    Index
	fallback Finder
	logger   *slog.Logger
}

// NewService creates a directory service. Either source may be nil.
func NewService(index Index, fallback Finder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) Find(ctx context.Context, q Query) (Response, error) {
	if s.index != nil && s.index.Healthy() {
		entries, err := s.index.Find(ctx, q)
		if err == nil {
			return Response{Entries: nonNil(entries), Source: "index"}, nil
		}
		s.logger.Warn("search: index error, falling back to directory", "err", err)
	}
	if s.fallback == nil || !s.fallback.Healthy() {
		return Response{Entries: []Entry{}}, fmt.Errorf("find boards: no directory available")
	}
	entries, err := s.fallback.Find(ctx, q)
	if err != nil {
		return Response{Entries: []Entry{}}, fmt.Errorf("find boards: %w", err)
	}
	return Response{Entries: nonNil(entries), Source: "directory"}, nil
}

// IndexBoard adds entry to the index. Without a healthy index it does
// nothing.
func (s *Service) IndexBoard(entry Entry) error {
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	if err := s.index.IndexBoards([]Entry{entry}); err != nil {
		return fmt.Errorf("index board %s: %w", entry.ID, err)
	}
	return nil
}

// Forget removes a board from the index. The directory table is owned by
// the durable channels and is left alone.
func (s *Service) Forget(id string) error {
	if s.index == nil || !s.index.Healthy() {
		return fmt.Errorf("forget board %s: index unavailable", id)
	}
	if err := s.index.DeleteBoard(id); err != nil {
		return fmt.Errorf("forget board %s: %w", id, err)
	}
	return nil
}

// Reindex pushes every board of creator from the directory into the index.
func (s *Service) Reindex(ctx context.Context, creator string) (int, error) {
	if s.index == nil || !s.index.Healthy() || s.fallback == nil {
		return 0, nil
	}
	entries, err := s.fallback.Find(ctx, Query{CreatedBy: creator, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("load directory: %w", err)
	}
	if err := s.index.IndexBoards(entries); err != nil {
		return 0, fmt.Errorf("reindex boards: %w", err)
	}
	return len(entries), nil
}

func nonNil(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}
