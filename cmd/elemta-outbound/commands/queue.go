package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-outbound/internal/queue"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the outbound queue",
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and archived messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter queue.Status
			if status != "" {
				st, err := queue.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = st
			}

			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			messages, err := a.queue.List(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAccount\tFrom\tRecipient\tStatus\tRetries\tNext Due")
			fmt.Fprintln(w, "--\t-------\t----\t---------\t------\t-------\t--------")
			rows := 0
			for _, msg := range messages {
				for _, r := range msg.Recipients {
					if filter != "" && r.Status != filter {
						continue
					}
					next := "-"
					if due, ok := r.DueAt(); ok {
						next = due.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
						msg.ID, msg.AccountID, displaySender(msg.From), r.Address, r.Status, r.RetryCount, next)
					rows++
				}
			}
			if rows == 0 {
				fmt.Fprintln(out, "No messages in queue")
				return nil
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Only show recipients in this status")

	var raw bool
	showCmd := &cobra.Command{
		Use:   "show [message ID]",
		Short: "Show one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if raw {
				content, err := a.queue.Content(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(content)
				return err
			}

			msg, err := a.queue.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	showCmd.Flags().BoolVar(&raw, "raw", false, "Print the message content instead of its state")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "Status\tCount")
			fmt.Fprintln(w, "------\t-----")
			statuses := make([]string, 0, len(stats.ByStatus))
			for st := range stats.ByStatus {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			for _, st := range statuses {
				fmt.Fprintf(w, "%s\t%d\n", st, stats.ByStatus[queue.Status(st)])
			}
			fmt.Fprintln(w, "------\t-----")
			fmt.Fprintf(w, "Recipients\t%d\n", stats.Recipients)
			fmt.Fprintf(w, "Messages\t%d\n", stats.Messages)
			if !stats.Oldest.IsZero() {
				fmt.Fprintf(w, "Oldest\t%s\n", time.Since(stats.Oldest).Round(time.Second))
			}
			return w.Flush()
		},
	}

	var account int64
	emptyCmd := &cobra.Command{
		Use:   "empty",
		Short: "Exit non-zero while work remains in the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if account >= 0 {
				err = a.queue.AssertAccountEmpty(cmd.Context(), uint32(account))
			} else {
				err = a.queue.AssertEmpty(cmd.Context())
			}
			if errors.Is(err, queue.ErrNotEmpty) {
				return err
			}
			if err != nil {
				return fmt.Errorf("failed to check queue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
			return nil
		},
	}
	emptyCmd.Flags().Int64Var(&account, "account", -1, "Only consider this account id")

	queueCmd.AddCommand(listCmd, showCmd, statsCmd, emptyCmd)
	return queueCmd
}

func displaySender(from string) string {
	if from == "" {
		return "<>"
	}
	return from
}
