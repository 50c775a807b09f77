package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"roomchat/internal/provider"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var sessions int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store statistics and provider configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			st, err := a.store.Stats(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Config:\t%s\n", resolveConfigPath())
			fmt.Fprintf(w, "Database:\t%s (%s)\n", cfg.Memory.DBPath, humanize.Bytes(uint64(st.DBSize)))
			fmt.Fprintf(w, "Sessions:\t%s\n", humanize.Comma(int64(st.Sessions)))
			fmt.Fprintf(w, "Participants:\t%s\n", humanize.Comma(int64(st.Participants)))
			fmt.Fprintf(w, "Messages:\t%s\n", humanize.Comma(int64(st.Messages)))
			fmt.Fprintf(w, "Last activity:\t%s\n", humanTime(st.LastActivity))
			fmt.Fprintf(w, "Context:\t%d messages / %s chars\n", cfg.Context.MaxMessages, humanize.Comma(int64(cfg.Context.MaxChars)))
			fmt.Fprintf(w, "Cache TTL:\t%s (cleanup every %s)\n", cfg.Cache.TTL.Std(), cfg.Cache.CleanupInterval.Std())

			enabled := provider.NewFactory(cfg, logger).Enabled()
			fmt.Fprintf(w, "Providers:\t%v (default %s)\n", enabled, cfg.General.DefaultProvider)

			if sessions > 0 {
				list, err := a.store.ListSessions(ctx, sessions)
				if err != nil {
					return err
				}
				fmt.Fprintln(w)
				for _, s := range list {
					fmt.Fprintf(w, "  %s\t%s\t%s\n", s.ID, s.Name, humanTime(s.UpdatedAt))
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 10, "number of recent sessions to list (0 to hide)")
	return cmd
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
