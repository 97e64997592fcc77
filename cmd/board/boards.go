package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"fullscreen/board/internal/archive"
	"fullscreen/board/internal/board"
	"fullscreen/board/internal/replica"
)

func (a *app) newDocument() (*board.Manager, *replica.Store) {
	st := replica.NewStore(replica.WithLogger(a.logger))
	return board.NewManager(st, a.identity(), board.WithLogger(a.logger)), st
}

// loadFile loads a board file. A legacy or corrupt file yields a fresh
// board and the recovery notice.
func (a *app) loadFile(path string) (*board.Manager, *replica.Store, board.ID, *board.RecoveredError, error) {
	raw, err := archive.ReadFile(path)
	if err != nil {
		return nil, nil, "", nil, err
	}
	doc, st := a.newDocument()
	id, err := doc.Load(raw, path)
	var notice *board.RecoveredError
	if errors.As(err, &notice) {
		return doc, st, id, notice, nil
	}
	if err != nil {
		return nil, nil, "", nil, err
	}
	return doc, st, id, nil, nil
}

func writeSummary(w io.Writer, doc *board.Manager, st *replica.Store) error {
	meta, _ := doc.Meta()
	contents := board.ReadContents(st)
	_, err := fmt.Fprintf(w, "id: %s\ncreatedBy: %s\ncreatedOn: %s\nshapes: %d\nbindings: %d\n",
		meta.ID, meta.CreatedBy, meta.CreatedOn.Format(time.RFC3339),
		len(contents.Shapes), len(contents.Bindings))
	return err
}

func saveDocument(doc *board.Manager, path string) error {
	raw, err := doc.Serialize()
	if err != nil {
		return err
	}
	return archive.WriteFile(path, raw)
}

func newNewCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a board and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, st := a.newDocument()
			id, err := doc.Create()
			if err != nil {
				return err
			}
			if out != "" {
				if err := saveDocument(doc, out); err != nil {
					return err
				}
			}
			if err := a.indexBoard(cmd, st); err != nil {
				a.logger.Warn("board: index failed", "board", id, "err", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "save the board to this file")
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the metadata and contents summary of a board file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, st, _, notice, err := a.loadFile(args[0])
			if err != nil {
				return err
			}
			if notice != nil {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "recovered: %v\n", notice); err != nil {
					return err
				}
			}
			return writeSummary(cmd.OutOrStdout(), doc, st)
		},
	}
}

func newDuplicateCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "duplicate <file>",
		Short: "Fork a board file under a new id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, _, notice, err := a.loadFile(args[0])
			if err != nil {
				return err
			}
			if notice != nil {
				return fmt.Errorf("duplicate %s: %w", args[0], notice)
			}
			id, err := doc.Duplicate()
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(filepath.Dir(args[0]), archive.FileName(id))
			}
			if err := saveDocument(doc, out); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", id, out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "file for the copy (default <id>.fullscreen next to the source)")
	return cmd
}
