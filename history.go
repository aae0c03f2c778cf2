package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/victhorio/opachat/agg"
	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history [session]",
		Short: "List saved chats, or print one of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags, true)
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				return printSession(cmd.OutOrStdout(), store, args[0])
			}
			return printSessions(cmd.OutOrStdout(), store)
		},
	}
}

func printSessions(w io.Writer, store agg.Store) error {
	sessions, err := store.List()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no saved chats")
		return nil
	}

	bold := color.New(color.Bold).SprintFunc()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
		bold("SESSION"), bold("UPDATED"), bold("MESSAGES"), bold("TOKENS"), bold("COST"), bold("TITLE"))
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			s.ID, humanize.Time(s.UpdatedAt), s.Messages, humanize.Comma(s.Usage.Total),
			formatCost(s.Usage), maybeTruncate(s.Title, 48))
	}
	return tw.Flush()
}

func printSession(w io.Writer, store agg.Store, id string) error {
	msgs, err := store.Load(id)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return errors.Errorf("no chat saved as %s", id)
	}

	user := color.New(color.FgBlue, color.Bold).SprintFunc()
	assistant := color.New(color.FgGreen, color.Bold).SprintFunc()
	tool := color.New(color.FgYellow).SprintFunc()

	for _, m := range msgs {
		label := user("You")
		if m.Role == chat.RoleAssistant {
			label = assistant("Assistant")
		}
		fmt.Fprintf(w, "%s:\n", label)

		for _, t := range m.ToolParts() {
			fmt.Fprintf(w, "  %s\n", tool(describeTool(t)))
		}
		if text := m.Text(); text != "" {
			fmt.Fprintf(w, "%s\n", text)
		}
		fmt.Fprintln(w)
	}

	usage, err := store.Usage(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s tokens in, %s out, %s\n",
		humanize.Comma(usage.Input), humanize.Comma(usage.Output), formatCost(usage))
	return nil
}

func formatCost(u core.Usage) string {
	return fmt.Sprintf("$%.4f", u.Dollars())
}
