package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxBoards = "fullscreen_boards"

// Meili implements Index via Meilisearch. A nil *Meili is never healthy.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the board index.
// An unreachable server leaves it unhealthy until the health loop recovers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", "url", url, "err", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxBoards,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("search: create index (may already exist)", "index", idxBoards, "err", err)
	}

	index := m.client.Index(idxBoards)
	filterable := []interface{}{"createdBy", "room"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attributes", "index", idxBoards, "err", err)
	}
	searchable := []string{"id", "createdBy"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attributes", "index", idxBoards, "err", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	if m != nil {
		close(m.done)
	}
}

func (m *Meili) Healthy() bool {
	return m != nil && m.healthy.Load()
}

func (m *Meili) Find(ctx context.Context, q Query) ([]Entry, error) {
	if !m.Healthy() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	req := &meili.SearchRequest{
		IndexUID: idxBoards,
		Query:    q.Text,
		Limit:    limit,
	}
	if q.CreatedBy != "" {
		req.Filter = []string{fmt.Sprintf("createdBy = %q", q.CreatedBy)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{req},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var entries []Entry
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			entries = append(entries, hitToEntry(hit))
		}
	}
	sortNewestFirst(entries)
	return entries, nil
}

func hitToEntry(hit meili.Hit) Entry {
	e := Entry{
		ID:        decodeString(hit, "id"),
		Room:      decodeString(hit, "room"),
		CreatedBy: decodeString(hit, "createdBy"),
	}
	if raw, ok := hit["createdOn"]; ok {
		_ = json.Unmarshal(raw, &e.CreatedOn)
	}
	if raw, ok := hit["shapes"]; ok {
		_ = json.Unmarshal(raw, &e.Shapes)
	}
	return e
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedOn.After(entries[j].CreatedOn)
	})
}

// IndexBoards adds or updates directory entries.
func (m *Meili) IndexBoards(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := m.client.Index(idxBoards).AddDocuments(entries, nil)
	return err
}

// DeleteBoard removes a board from the index.
func (m *Meili) DeleteBoard(id string) error {
	_, err := m.client.Index(idxBoards).DeleteDocument(id, nil)
	return err
}
