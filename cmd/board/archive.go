package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fullscreen/board/internal/archive"
	"fullscreen/board/internal/board"
)

func newArchiveCmd(a *app) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Store and retrieve board snapshots in the archive",
	}
	cmd.PersistentFlags().StringVar(&backend, "backend", backendGit, "archive backend: git, minio or dir")
	cmd.AddCommand(
		newArchivePutCmd(a, &backend),
		newArchiveGetCmd(a, &backend),
		newArchiveHistoryCmd(a),
	)
	return cmd
}

func newArchivePutCmd(a *app, backend *string) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Archive a board file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, id, notice, err := a.loadFile(args[0])
			if err != nil {
				return err
			}
			if notice != nil {
				return fmt.Errorf("archive %s: %w", args[0], notice)
			}
			snapshot, err := doc.Serialize()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if *backend == backendGit && message != "" {
				meta, _ := doc.Meta()
				rev, err := a.gitHistory().Commit(id, snapshot, meta, a.identity().Participant().ID, message)
				if errors.Is(err, archive.ErrUnchanged) {
					_, err = fmt.Fprintf(out, "unchanged: %s\n", id)
					return err
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "archived: %s %s\n", id, rev.Hash)
				return err
			}

			store, err := a.archiveBackend(cmd.Context(), *backend)
			if err != nil {
				return err
			}
			if err := store.Put(cmd.Context(), id, snapshot); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "archived: %s\n", id)
			return err
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "revision message (git backend)")
	return cmd
}

func newArchiveGetCmd(a *app, backend *string) *cobra.Command {
	var (
		rev string
		out string
	)
	cmd := &cobra.Command{
		Use:   "get <board-id>",
		Short: "Restore an archived board to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := board.ID(args[0])
			var (
				snapshot []byte
				err      error
			)
			switch {
			case rev != "":
				if *backend != backendGit {
					return fmt.Errorf("--rev needs the git backend")
				}
				snapshot, err = a.gitHistory().Snapshot(id, rev)
			default:
				var store archive.Archive
				if store, err = a.archiveBackend(cmd.Context(), *backend); err != nil {
					return err
				}
				snapshot, err = store.Get(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			if out == "" {
				out = archive.FileName(id)
			}
			if err := archive.WriteFile(out, snapshot); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "revision hash (git backend)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default <id>.fullscreen)")
	return cmd
}

func newArchiveHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <board-id>",
		Short: "List the archived revisions of a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			revisions, err := a.gitHistory().Log(board.ID(args[0]), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, r := range revisions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Hash[:min(len(r.Hash), 12)], r.CreatedAt.Format(time.RFC3339), r.Author, r.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of revisions, 0 for all")
	return cmd
}
