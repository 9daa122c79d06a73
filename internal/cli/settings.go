package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSettingsCommand(load Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change runtime settings",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get [name]",
			Short: "Print one setting, or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE: withServices(load, func(ctx context.Context, cmd *cobra.Command, svc *Services, args []string) error {
				if len(args) == 1 {
					value, ok, err := svc.Settings.Get(ctx, args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("setting %s is not set", args[0])
					}
					fmt.Fprintln(cmd.OutOrStdout(), value)
					return nil
				}

				values, err := svc.Settings.All(ctx)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(values))
				for name := range values {
					names = append(names, name)
				}
				sort.Strings(names)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, name := range names {
					fmt.Fprintf(w, "%s\t%s\n", name, values[name])
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "set <name> <value>",
			Short: "Store a setting",
			Args:  cobra.ExactArgs(2),
			RunE: withServices(load, func(ctx context.Context, cmd *cobra.Command, svc *Services, args []string) error {
				if err := svc.Settings.Set(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
				return nil
			}),
		},
	)
	return cmd
}
