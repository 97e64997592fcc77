package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/channel"
	"fullscreen/board/internal/presence"
	"fullscreen/board/internal/replica"
	"fullscreen/board/internal/session"
)

// roster prints participants joining and leaving the board.
type roster struct {
	w     io.Writer
	local string

	mu    sync.Mutex
	users map[string]presence.User
}

func newRoster(w io.Writer, local string) *roster {
	return &roster{w: w, local: local, users: make(map[string]presence.User)}
}

func (r *roster) LocalUserID() string { return r.local }

func (r *roster) UserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.users)+1)
	ids = append(ids, r.local)
	for id := range r.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *roster) RemoveUser(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return
	}
	delete(r.users, id)
	fmt.Fprintf(r.w, "left: %s\n", id)
}

func (r *roster) UpsertUsers(users []presence.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		if _, ok := r.users[u.ID]; !ok {
			fmt.Fprintf(r.w, "joined: %s\n", u.ID)
		}
		r.users[u.ID] = u
	}
}

type joinOptions struct {
	passive  bool
	create   bool
	offline  bool
	duration time.Duration
}

func newJoinCmd(a *app) *cobra.Command {
	var opts joinOptions
	cmd := &cobra.Command{
		Use:   "join [board-id]",
		Short: "Join a board and follow its status and participants",
		Long: "Join opens the board's channels and prints status changes and participants " +
			"until interrupted. With --new a board is created and joined instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("passive") {
				// A fresh board has to reach the room.
				opts.passive = a.cfg.Passive && !opts.create
			}
			var id board.ID
			if len(args) == 1 {
				id = board.ID(args[0])
			}
			if id == "" && !opts.create {
				return fmt.Errorf("join: a board id or --new is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return a.join(ctx, cmd, id, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.passive, "passive", true, "receive updates without sending edits or presence (default from session.passive)")
	cmd.Flags().BoolVar(&opts.create, "new", false, "create a new board and join it")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "do not connect to a relay")
	cmd.Flags().DurationVar(&opts.duration, "for", 0, "leave the board after this long")
	return cmd
}

func (a *app) join(ctx context.Context, cmd *cobra.Command, id board.ID, opts joinOptions) error {
	var res resources
	defer res.close()

	providers, err := a.providers(ctx, &res)
	if err != nil {
		return err
	}
	if opts.offline {
		providers.Network = channel.OfflineFactory()
	}
	st := replica.NewStore(replica.WithLogger(a.logger))
	mgr := session.NewManager(st, session.Options{
		Providers:        providers,
		Identity:         a.identity(),
		PresenceThrottle: a.cfg.PresenceThrottle,
		NotFoundGrace:    a.cfg.NotFoundGrace,
		Passive:          opts.passive,
		Logger:           a.logger,
	})
	defer mgr.Close()

	out := cmd.OutOrStdout()
	if opts.create {
		if id, err = mgr.Document().Create(); err != nil {
			return err
		}
		fmt.Fprintf(out, "created: %s\n", id)
	}

	var mu sync.Mutex
	last := board.Status(-1)
	indexed := false
	statuses := make(chan board.Status, 1)
	unwatch := mgr.Watch(func(c session.Context) {
		mu.Lock()
		defer mu.Unlock()
		if c.BoardID != id || c.Status == last {
			return
		}
		last = c.Status
		// Keep only the newest status.
		for {
			select {
			case statuses <- c.Status:
				return
			default:
			}
			select {
			case <-statuses:
			default:
			}
		}
	})
	defer unwatch()

	if err := mgr.Open(ctx, id); err != nil {
		return err
	}
	mgr.Presence().Connect(newRoster(out, mgr.Participant().ID))
	mgr.UpdatePresence(presence.User{ID: mgr.Participant().ID, Status: "viewing"})
	fmt.Fprintf(out, "joined: %s (room %s, passive %t)\n", id, mgr.Network().Room(), mgr.PassiveMode())

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	reported := false
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "leaving")
			return nil
		case status := <-statuses:
			contents := mgr.Contents()
			fmt.Fprintf(out, "status: %s shapes=%d bindings=%d\n", status, len(contents.Shapes), len(contents.Bindings))
			if status == board.StatusOK && !indexed {
				indexed = true
				if err := a.indexBoard(cmd, st); err != nil {
					a.logger.Warn("board: index failed", "board", id, "err", err)
				}
			}
		case <-ticker.C:
			if !reported && mgr.NotFoundSettled() {
				reported = true
				fmt.Fprintf(out, "not found: %s\n", id)
			}
		}
	}
}
