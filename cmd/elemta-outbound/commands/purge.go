package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-outbound/internal/housekeeper"
	"github.com/busybox42/elemta-outbound/internal/queue"
)

// runPurge executes one purge through a local housekeeper and waits for it
func runPurge(cmd *cobra.Command, opts *rootOptions, submit func(*app, *housekeeper.Housekeeper) error) error {
	a, err := newApp(opts.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hk := a.housekeeper()
	hk.Start()
	defer hk.Stop()

	if err := submit(a, hk); err != nil {
		return err
	}
	a.publish(cmd.Context(), queue.GlobalScope())
	fmt.Fprintln(cmd.OutOrStdout(), "Purge completed")
	return nil
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove data from the queue, content and lookup stores",
	}

	blobsCmd := &cobra.Command{
		Use:   "blobs",
		Short: "Delete stored content no message references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, opts, func(_ *app, hk *housekeeper.Housekeeper) error {
				return hk.RequestAndWait(cmd.Context(), housekeeper.PurgeBlobs{})
			})
		},
	}

	dataCmd := &cobra.Command{
		Use:   "data [store]",
		Short: "Delete messages whose recipients all reached a final state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := housekeeper.PurgeData{}
			if len(args) == 1 {
				p.Store = args[0]
			}
			return runPurge(cmd, opts, func(_ *app, hk *housekeeper.Housekeeper) error {
				return hk.RequestAndWait(cmd.Context(), p)
			})
		},
	}

	lookupCmd := &cobra.Command{
		Use:   "lookup [store] [prefix]",
		Short: "Delete lookup keys, optionally limited to one namespace prefix",
		Long: `Delete lookup keys. Without a prefix every reserved namespace is purged.
A prefix of the form bayes-account/<name> is resolved through the directory.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := housekeeper.PurgeLookup{}
			if len(args) > 0 {
				p.Store = args[0]
			}
			if len(args) > 1 {
				p.Prefix = args[1]
			}
			return runPurge(cmd, opts, func(_ *app, hk *housekeeper.Housekeeper) error {
				return hk.RequestAndWait(cmd.Context(), p)
			})
		},
	}

	accountCmd := &cobra.Command{
		Use:   "account [name]",
		Short: "Delete every queued message of an account, or of all accounts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, opts, func(a *app, hk *housekeeper.Housekeeper) error {
				p := housekeeper.PurgeAccount{}
				if len(args) == 1 {
					id, err := a.directory.PrincipalID(cmd.Context(), args[0])
					if err != nil {
						return fmt.Errorf("account %s: %w", args[0], err)
					}
					p.AccountID = &id
				}
				return hk.RequestAndWait(cmd.Context(), p)
			})
		},
	}

	purgeCmd.AddCommand(blobsCmd, dataCmd, lookupCmd, accountCmd)
	return purgeCmd
}
