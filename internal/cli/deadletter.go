package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

const defaultRequeueLimit = 100

func newDeadLetterCommand(load Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered notifications",
	}
	cmd.AddCommand(newDeadLetterRequeueCommand(load))
	return cmd
}

type requeueFlags struct {
	limit    int
	channel  string
	priority string
	delay    int
	dryRun   bool
}

func newDeadLetterRequeueCommand(load Loader) *cobra.Command {
	var flags requeueFlags

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Replay dead letters as new notifications",
		Args:  cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			return flags.validate()
		},
		RunE: withServices(load, func(ctx context.Context, cmd *cobra.Command, svc *Services, _ []string) error {
			if svc.DeadLetters == nil {
				return fmt.Errorf("dead letter service is not configured")
			}
			if flags.dryRun {
				return previewRequeue(ctx, cmd, svc.DeadLetters, flags)
			}

			priority, _ := domain.ParsePriorityFromString(flags.priority)
			result, err := svc.DeadLetters.RequeueBatch(ctx, service.RequeueBatchParams{
				Limit:   flags.limit,
				Channel: flags.channel,
				RequeueOptions: service.RequeueOptions{
					Priority: priority,
					Delay:    time.Duration(flags.delay) * time.Second,
				},
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "requested=%d requeued=%d skipped=%d\n", result.Requested, result.Requeued, result.Skipped)
			return nil
		}),
	}

	cmd.Flags().IntVar(&flags.limit, "limit", defaultRequeueLimit, "maximum number of dead letters to replay")
	cmd.Flags().StringVar(&flags.channel, "channel", "", "only replay dead letters for this channel")
	cmd.Flags().StringVar(&flags.priority, "priority", domain.PriorityNormal.String(), "priority of the replayed notifications")
	cmd.Flags().IntVar(&flags.delay, "delay", 0, "seconds to wait before the replay is delivered")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "list the dead letters without replaying them")
	return cmd
}

func (f *requeueFlags) validate() error {
	if f.limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	if f.delay < 0 {
		return fmt.Errorf("--delay must not be negative")
	}
	if f.channel != "" {
		ch, err := domain.ParseChannelFromString(f.channel)
		if err != nil {
			return err
		}
		f.channel = ch.String()
	}
	if _, err := domain.ParsePriorityFromString(f.priority); err != nil {
		return err
	}
	return nil
}

func previewRequeue(ctx context.Context, cmd *cobra.Command, dl DeadLetterRequeuer, flags requeueFlags) error {
	items, err := dl.QueryForRequeue(ctx, flags.limit, flags.channel)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tRECIPIENT\tATTEMPTS\tERROR\tCREATED")
	for _, item := range items {
		errorType := "-"
		if item.ErrorType != nil {
			errorType = string(*item.ErrorType)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID, item.Channel, item.Recipient, item.Attempts, errorType,
			item.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d dead letters would be requeued\n", len(items))
	return nil
}
