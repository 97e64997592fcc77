package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fullscreen/board/internal/search"
)

func newFindCmd(a *app) *cobra.Command {
	var (
		q       search.Query
		asJSON  bool
		reindex bool
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "List boards from the board directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if q.CreatedBy == "" {
				q.CreatedBy = a.identity().Participant().ID
			}
			var res resources
			defer res.close()
			svc, err := a.directory(cmd.Context(), &res)
			if err != nil {
				return err
			}
			if reindex {
				n, err := svc.Reindex(cmd.Context(), q.CreatedBy)
				if err != nil {
					return err
				}
				a.logger.Info("search: reindexed", "created_by", q.CreatedBy, "boards", n)
			}
			resp, err := svc.Find(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range resp.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%d shapes\n", e.ID, e.CreatedOn.Format(time.RFC3339), e.Shapes)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&q.CreatedBy, "created-by", "", "participant id (default this device)")
	cmd.Flags().StringVar(&q.Text, "text", "", "free text query (index only)")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum number of boards")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the response as JSON")
	cmd.Flags().BoolVar(&reindex, "reindex", false, "push the directory into the index first")
	return cmd
}

func newForgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <board-id>",
		Short: "Remove a board from the search index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res resources
			defer res.close()
			svc, err := a.directory(cmd.Context(), &res)
			if err != nil {
				return err
			}
			return svc.Forget(args[0])
		},
	}
}
