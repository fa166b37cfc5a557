package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-outbound/internal/queue"
)

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		from    string
		to      []string
		file    string
		account uint32
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a message for delivery",
		Long: `Queue a message for delivery. The content is read from --file, or from
standard input when no file is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				content []byte
				err     error
			)
			if file == "" || file == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}

			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			msg, err := a.queue.Enqueue(ctx, queue.Submission{
				AccountID: account,
				From:      from,
				To:        to,
				Content:   content,
			})
			if err != nil {
				return err
			}
			a.publish(ctx, queue.MessageScope(msg.ID))

			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for %d recipient(s)\n", msg.ID, len(msg.Recipients))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Envelope sender; empty for a null sender")
	cmd.Flags().StringSliceVar(&to, "to", nil, "Recipient address (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Message file; - or empty reads standard input")
	cmd.Flags().Uint32Var(&account, "account", 0, "Owning account id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
