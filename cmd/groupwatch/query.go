package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/groupwatch/backend/internal/config"
	"github.com/groupwatch/backend/internal/feed"
	"github.com/groupwatch/backend/internal/heartbeat"
	"github.com/groupwatch/backend/internal/session"
	"github.com/groupwatch/backend/internal/storage/sqlite"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded instance sessions",
	}

	manager := func() (*session.Manager, error) {
		cfg, err := root.load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return session.NewManager(session.Options{
			Dir:             cfg.SessionsDir(),
			HeaderReadBytes: cfg.Sessions.HeaderReadBytes,
		}), nil
	}

	var (
		group  string
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			sessions, err := m.ListSessions(group)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tWORLD\tGROUP\tEVENTS\tFILE")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					s.StartTime.Local().Format(time.DateTime), firstNonEmpty(s.WorldName, s.WorldID), s.GroupID, s.EventCount, s.Filename)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&group, "group", "", "only sessions in this group id")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	events := &cobra.Command{
		Use:   "events <file>",
		Short: "Print the events of one session file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			evs, err := m.SessionEvents(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), evs)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every session file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			n, err := m.ClearSessions()
			if err != nil {
				return fmt.Errorf("clear sessions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d session files\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, events, clearCmd)
	return cmd
}

func newFeedCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Inspect the friend activity feed",
	}

	var (
		limit  int
		asJSON bool
	)
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print recent feed entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gen := feed.NewGenerator(feed.Options{})
			if err := gen.Initialize(cfg.FeedDir()); err != nil {
				return fmt.Errorf("initialize feed: %w", err)
			}
			defer gen.Shutdown()

			entries, err := gen.RecentEntries(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tFRIEND\tDETAILS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Type, firstNonEmpty(e.DisplayName, e.UserID), e.Details)
			}
			return tw.Flush()
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "number of entries (0 for all)")
	recent.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(recent)
	return cmd
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect co-presence counters",
	}

	withAccumulator := func(fn func(*heartbeat.Accumulator) error) error {
		cfg, err := root.load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := os.MkdirAll(cfg.Storage.Dir, 0755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
		db, err := sqlite.Open(cfg.StatsDBPath())
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer db.Close()
		// Queries only: the accumulator is never started.
		return fn(heartbeat.NewAccumulator(db, nil, heartbeat.Options{}))
	}

	show := &cobra.Command{
		Use:   "show <userId>...",
		Short: "Show time spent and encounters for players",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccumulator(func(a *heartbeat.Accumulator) error {
				stats, err := a.BulkFriendStats(cmd.Context(), args)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tNAME\tHOURS\tENCOUNTERS\tLAST SEEN\tFRIEND SINCE")
				for _, id := range args {
					st, ok := stats[id]
					if !ok {
						fmt.Fprintf(tw, "%s\t-\t0\t0\tnever\t-\n", id)
						continue
					}
					since := "-"
					if st.FriendSince != nil {
						since = st.FriendSince.Local().Format(time.DateOnly)
					}
					fmt.Fprintf(tw, "%s\t%s\t%.1f\t%d\t%s\t%s\n",
						id, st.DisplayName, st.TimeSpentHours, st.EncounterCount, st.LastSeen.Local().Format(time.DateTime), since)
				}
				return tw.Flush()
			})
		},
	}

	backfill := &cobra.Command{
		Use:   "backfill <friend-log.jsonl>",
		Short: "Fill missing friend-since dates from a relationship change log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccumulator(func(a *heartbeat.Accumulator) error {
				n, err := a.BackfillFriendSince(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backfilled %d players\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(show, backfill)
	return cmd
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print settings that differ from the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			changes := config.Diff(config.Builtin(), cfg)
			if len(changes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "using defaults")
				return nil
			}
			for _, c := range changes {
				fmt.Fprintln(cmd.OutOrStdout(), c)
			}
			return nil
		},
	}

	token := &cobra.Command{
		Use:   "token",
		Short: "Generate a random server.auth_token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := config.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.AddCommand(show, token)
	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
