package main

import (
	"fmt"
	"os"

	"roomchat/internal/memory"

	"github.com/spf13/cobra"
)

func importCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <transcript.yaml>",
		Short: "Create a session from a YAML transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			tr, err := memory.LoadTranscript(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "%s: %d participants, %d messages\n", tr.Name, len(tr.Participants), len(tr.Messages))
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return fmt.Errorf("memory store: %w", err)
			}
			defer store.Close()

			sess, err := store.ImportTranscript(cmd.Context(), tr)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			fmt.Fprintln(out, sess.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the transcript without storing it")
	return cmd
}
