package main

import (
	"context"
	"strings"

	"github.com/code-100-precent/carevoice/pkg/emergency"
	"github.com/code-100-precent/carevoice/pkg/language"
	"github.com/spf13/cobra"
)

func newAnalyzeCmd(opts *options) *cobra.Command {
	var (
		session string
		history []string
	)
	cmd := &cobra.Command{
		Use:   "analyze <text>",
		Short: "Score an utterance for medical emergency risk",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.services()
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			res := s.Scorer.Analyze(strings.Join(args, " "), &emergency.Context{
				SessionID:        session,
				PreviousMessages: history,
			})
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&session, "session", "cli", "Session id used for risk history")
	cmd.Flags().StringArrayVar(&history, "previous", nil, "Earlier utterance, oldest first (repeatable)")
	return cmd
}

func newDetectCmd(opts *options) *cobra.Command {
	var current string
	cmd := &cobra.Command{
		Use:   "detect <text>",
		Short: "Identify the language of an utterance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.services()
			if err != nil {
				return err
			}
			defer s.Close(context.Background())

			res := s.Identifier.Detect(strings.Join(args, " "), &language.Context{Current: current})
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "Current session language, preferred on ties")
	return cmd
}
