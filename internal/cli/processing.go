package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newProcessingCommand(load Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processing",
		Short: "Pause or resume delivery across all workers",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "pause",
			Short: "Stop workers from picking up deliveries",
			Args:  cobra.NoArgs,
			RunE: withServices(load, func(ctx context.Context, cmd *cobra.Command, svc *Services, _ []string) error {
				if err := svc.Pause.Pause(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "processing paused")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "resume",
			Short: "Let workers pick up deliveries again",
			Args:  cobra.NoArgs,
			RunE: withServices(load, func(ctx context.Context, cmd *cobra.Command, svc *Services, _ []string) error {
				if err := svc.Pause.Resume(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "processing resumed")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether processing is paused",
			Args:  cobra.NoArgs,
			RunE: withServices(load, func(ctx context.Context, cmd *cobra.Command, svc *Services, _ []string) error {
				paused, err := svc.Pause.IsPaused(ctx)
				if err != nil {
					return err
				}
				state := "running"
				if paused {
					state = "paused"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processing %s\n", state)
				return nil
			}),
		},
	)
	return cmd
}
