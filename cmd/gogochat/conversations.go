package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/webchat/internal/store"
)

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage the stored conversations",
	}

	open := func() *store.Store {
		return store.Open(a.cfg.DatabaseURL, a.logger.Named("store"))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := open()
			defer st.Close()

			convs, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations.")
			}
			for _, c := range convs {
				fmt.Fprintf(out, "%s  %s  (%d messages, %s)\n", c.ID, c.Title, len(c.Messages),
					time.UnixMilli(c.UpdatedAt).Format(time.DateTime))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := open()
			defer st.Close()

			conv, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(conv)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := open()
			defer st.Close()

			for _, id := range args {
				if err := st.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := open()
			defer st.Close()

			if err := st.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All conversations deleted.")
			return nil
		},
	})

	return cmd
}
