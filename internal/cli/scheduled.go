package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newScheduledCommand(load Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "Manage scheduled notifications",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Release scheduled notifications that are due",
		Args:  cobra.NoArgs,
		RunE: withServices(load, func(ctx context.Context, cmd *cobra.Command, svc *Services, _ []string) error {
			released, err := svc.Scheduler.DispatchDue(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d scheduled notifications\n", released)
			return nil
		}),
	})
	return cmd
}
