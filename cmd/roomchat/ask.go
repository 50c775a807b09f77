package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"roomchat/internal/agent"
	"roomchat/internal/domain"

	"github.com/spf13/cobra"
)

func contextCmd() *cobra.Command {
	var (
		userID  string
		compact bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "context <session>",
		Short: "Print the context the assistant would answer with",
		Args:  cobra.ExactArgs(1),
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

			aiCtx, err := a.assistant.Context(cmd.Context(), args[0], userID, compact)
			if err != nil {
				return fmt.Errorf("build context: %w", err)
			}
			mem, err := a.store.GetMemory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var summary *domain.MemoryMetadata
			if mem != nil && mem.Metadata.Summary != "" {
				summary = &mem.Metadata
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*domain.AIContext
					Summary *domain.MemoryMetadata `json:"summary,omitempty"`
				}{aiCtx, summary})
			}
			if summary != nil {
				fmt.Fprintf(out, "--- summary (as of %d messages) ---\n%s\n\n", summary.MessageCount, summary.Summary)
			}
			if aiCtx.SystemPrompt != "" {
				fmt.Fprintf(out, "--- system ---\n%s\n\n", aiCtx.SystemPrompt)
			}
			for _, m := range aiCtx.Messages {
				fmt.Fprintf(out, "--- %s (%s) ---\n%s\n\n", m.Role, m.Name, m.Content)
			}
			fmt.Fprintf(out, "%d messages, %d chars, ~%d tokens\n",
				aiCtx.Metadata.MessageCount, aiCtx.Metadata.TotalChars, agent.EstimateContextTokens(aiCtx))
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "participant id the context is built for")
	cmd.Flags().BoolVar(&compact, "compact", false, "use the compact context")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the context as JSON")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		userID   string
		compact  bool
		noStream bool
	)
	cmd := &cobra.Command{
		Use:   "ask <session> <prompt...>",
		Short: "Ask the assistant in a session and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("compact") {
				compact = cfg.General.CompactMode
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			req := agent.AskRequest{
				SessionID: args[0],
				UserID:    userID,
				Prompt:    strings.Join(args[1:], " "),
				Compact:   compact,
			}
			out := cmd.OutOrStdout()

			if noStream {
				answer, err := a.assistant.Complete(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, answer)
				return nil
			}

			events := make(chan domain.StreamEvent, 16)
			errCh := make(chan error, 1)
			go func() {
				_, err := a.assistant.Ask(ctx, req, events)
				errCh <- err
				close(events)
			}()
			for ev := range events {
				if ev.Type == domain.StreamToken {
					fmt.Fprint(out, ev.Content)
				}
			}
			if err := <-errCh; err != nil {
				return err
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "participant id asking the question")
	cmd.Flags().BoolVar(&compact, "compact", false, "use the compact context (defaults to general.compactMode)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full answer instead of streaming")
	cmd.MarkFlagRequired("user")
	return cmd
}
