package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/resumetoken"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	"github.com/rzbill/changeflo/pkg/optime"
)

var errLimitReached = errors.New("limit reached")

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("tenant", "t", "", "Tenant id")
	cmd.Flags().String("resume-after", "", "Resume after this token")
	cmd.Flags().String("start-at", "", "Start at operation time: secs.inc, or RFC3339")
	cmd.Flags().Bool("from-earliest", false, "Start at the oldest retained event")
	cmd.Flags().String("db", "", "Watch one database")
	cmd.Flags().String("coll", "", "Watch one collection (requires --db)")
	cmd.Flags().String("filter", "", "CEL filter (server-side)")
	cmd.Flags().Int("batch-size", 0, "Server batch size (0 = server default)")
	_ = cmd.MarkFlagRequired("tenant")
}

// watchRequestFromFlags builds a watch request. Start precedence is left to
// the server, which rejects more than one start option.
func watchRequestFromFlags(cmd *cobra.Command) (changestreamsvc.WatchRequest, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	resume, _ := cmd.Flags().GetString("resume-after")
	startAt, _ := cmd.Flags().GetString("start-at")
	earliest, _ := cmd.Flags().GetBool("from-earliest")
	db, _ := cmd.Flags().GetString("db")
	coll, _ := cmd.Flags().GetString("coll")
	filter, _ := cmd.Flags().GetString("filter")
	batch, _ := cmd.Flags().GetInt("batch-size")

	req := changestreamsvc.WatchRequest{
		Tenant:       tenant,
		ResumeAfter:  resumetoken.Token(resume),
		FromEarliest: earliest,
		DB:           db,
		Coll:         coll,
		Filter:       filter,
		BatchSize:    batch,
	}
	if startAt != "" {
		ts, err := parseStartAt(startAt)
		if err != nil {
			return req, err
		}
		req.StartAtOperationTime = ts
	}
	return req, nil
}

func parseStartAt(s string) (optime.Timestamp, error) {
	if ts, err := optime.Parse(s); err == nil {
		return ts, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return optime.FromTime(t), nil
	}
	return optime.Zero, errors.New("invalid --start-at; expected secs.inc or RFC3339")
}

// NewWatchCommand constructs the `watch` command, which prints one JSON
// change event per line.
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream change events of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := watchRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			enc := json.NewEncoder(cmd.OutOrStdout())
			n := 0
			err = getTransport().Watch(cmd.Context(), req, func(doc changestream.Document) error {
				if err := enc.Encode(doc); err != nil {
					return err
				}
				n++
				if limit > 0 && n >= limit {
					return errLimitReached
				}
				return nil
			})
			if errors.Is(err, errLimitReached) {
				return nil
			}
			return err
		},
	}
	addWatchFlags(cmd)
	cmd.Flags().Int("limit", 0, "Stop after N events (0 = infinite)")
	return cmd
}

// NewCursorCommand constructs the `cursor` command group for server-side
// cursors.
func NewCursorCommand() *cobra.Command {
	cursorCmd := &cobra.Command{Use: "cursor", Short: "Server-side cursor operations"}

	openCmd := &cobra.Command{
		Use:   "open",
		Short: "Open a cursor and print its first batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := watchRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			b, err := getTransport().OpenCursor(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	addWatchFlags(openCmd)

	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Fetch the next batch of a cursor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			id, _ := cmd.Flags().GetString("id")
			batch, _ := cmd.Flags().GetInt("batch-size")
			wait, _ := cmd.Flags().GetDuration("max-await")
			b, err := getTransport().GetMore(cmd.Context(), tenant, id, batch, wait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	nextCmd.Flags().StringP("tenant", "t", "", "Tenant id")
	nextCmd.Flags().String("id", "", "Cursor id")
	nextCmd.Flags().Int("batch-size", 0, "Batch size (0 = server default)")
	nextCmd.Flags().Duration("max-await", time.Second, "Wait this long for new events when none are buffered")
	_ = nextCmd.MarkFlagRequired("tenant")
	_ = nextCmd.MarkFlagRequired("id")

	killCmd := &cobra.Command{
		Use:   "kill",
		Short: "Close a cursor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			id, _ := cmd.Flags().GetString("id")
			if err := getTransport().KillCursor(cmd.Context(), tenant, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "killed", id)
			return nil
		},
	}
	killCmd.Flags().StringP("tenant", "t", "", "Tenant id")
	killCmd.Flags().String("id", "", "Cursor id")
	_ = killCmd.MarkFlagRequired("tenant")
	_ = killCmd.MarkFlagRequired("id")

	cursorCmd.AddCommand(openCmd, nextCmd, killCmd)
	return cursorCmd
}

// NewStatsCommand constructs the `stats` command.
func NewStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show change collection statistics of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			st, err := getTransport().CollectionStats(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringP("tenant", "t", "", "Tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
