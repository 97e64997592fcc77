package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"fullscreen/board/internal/archive"
	"fullscreen/board/internal/channel"
	"fullscreen/board/internal/replica"
	"fullscreen/board/internal/search"
	"fullscreen/board/internal/store"
)

// resources collects what a command opened so it can be released in
// reverse order.
type resources struct {
	closers []func()
}

func (r *resources) add(fn func()) { r.closers = append(r.closers, fn) }

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// providers picks the network and persistence channels from configuration:
// Redis over the websocket relay, Postgres over board files.
func (a *app) providers(ctx context.Context, res *resources) (channel.Providers, error) {
	p := channel.Providers{Logger: a.logger}

	switch {
	case a.cfg.RedisURL != "":
		client, err := channel.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return p, err
		}
		res.add(func() { _ = client.Close() })
		p.Network = channel.RedisFactory(client, channel.RedisOptions{LogCap: a.cfg.RelayLogCap, Logger: a.logger})
	case a.cfg.RelayURL != "":
		settings := channel.DefaultWebSocketSettings()
		settings.Logger = a.logger
		p.Network = channel.WebSocketFactory(a.cfg.RelayURL, settings)
	default:
		p.Network = channel.OfflineFactory()
	}

	db, err := a.postgres(ctx, res)
	if err != nil {
		return p, err
	}
	if db != nil {
		p.Persistence = channel.PostgresFactory(db, channel.PostgresOptions{Logger: a.logger})
	} else {
		p.Persistence = channel.FileFactory(filepath.Join(a.cfg.DataDir, "boards"), a.logger)
	}
	return p, nil
}

// postgres opens the database when one is configured. It returns nil
// without a database url.
func (a *app) postgres(ctx context.Context, res *resources) (*store.PostgresStore, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, nil
	}
	db, err := store.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	res.add(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return store.NewPostgresStore(db), nil
}

// directory builds the board directory from Meilisearch and Postgres,
// whichever are configured.
func (a *app) directory(ctx context.Context, res *resources) (*search.Service, error) {
	var index search.Index
	if a.cfg.MeiliURL != "" {
		m := search.NewMeili(a.cfg.MeiliURL, a.cfg.MeiliMasterKey, a.logger)
		res.add(m.Close)
		index = m
	}
	var fallback search.Finder
	db, err := a.postgres(ctx, res)
	if err != nil {
		return nil, err
	}
	if db != nil {
		fallback = search.NewPostgres(db)
	}
	return search.NewService(index, fallback, a.logger), nil
}

// indexBoard records the board held by st in the directory. Without a
// configured index it does nothing.
func (a *app) indexBoard(cmd *cobra.Command, st *replica.Store) error {
	if a.cfg.MeiliURL == "" {
		return nil
	}
	entry, ok := search.EntryFromStore(st, "")
	if !ok {
		return nil
	}
	var res resources
	defer res.close()
	entry.Room = channel.RoomName(entry.ID)
	svc, err := a.directory(cmd.Context(), &res)
	if err != nil {
		return err
	}
	return svc.IndexBoard(entry)
}

const (
	backendGit   = "git"
	backendMinio = "minio"
	backendDir   = "dir"
)

func (a *app) gitHistory() *archive.History {
	dir := a.cfg.GitArchiveDir
	if dir == "" {
		dir = filepath.Join(a.cfg.DataDir, "history")
	}
	return archive.NewHistory(dir)
}

func (a *app) archiveBackend(ctx context.Context, name string) (archive.Archive, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", backendGit:
		return a.gitHistory(), nil
	case backendMinio:
		m, err := archive.NewMinio(archive.MinioOptions{
			Endpoint:  a.cfg.MinioEndpoint,
			AccessKey: a.cfg.MinioAccessKey,
			SecretKey: a.cfg.MinioSecretKey,
			Bucket:    a.cfg.MinioBucket,
			Secure:    a.cfg.MinioSecure,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	case backendDir:
		return archive.NewDir(filepath.Join(a.cfg.DataDir, "archive")), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q: use git, minio or dir", name)
	}
}
