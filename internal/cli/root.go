package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type DeadLetterRequeuer interface {
	QueryForRequeue(ctx context.Context, limit int, channel string) ([]domain.DeadLetterNotification, error)
	RequeueBatch(ctx context.Context, params service.RequeueBatchParams) (*service.RequeueResult, error)
}

type PauseController interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)
}

type ScheduledDispatcher interface {
	DispatchDue(ctx context.Context) (int, error)
}

type SettingsStore interface {
	All(ctx context.Context) (map[string]string, error)
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, value string) error
}

// Services are the components the commands operate on.
type Services struct {
	DeadLetters DeadLetterRequeuer
	Pause       PauseController
	Scheduler   ScheduledDispatcher
	Settings    SettingsStore
}

// Loader connects to the backing stores on first use. The returned func
// releases them.
type Loader func(ctx context.Context) (*Services, func(), error)

// NewRootCommand builds the dispatchctl command tree.
func NewRootCommand(load Loader) *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Operator tooling for the delivery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDeadLetterCommand(load),
		newProcessingCommand(load),
		newScheduledCommand(load),
		newSettingsCommand(load),
	)
	return root
}

// withServices loads services and passes positional args through.
func withServices(load Loader, fn func(ctx context.Context, cmd *cobra.Command, svc *Services, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, release, err := load(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		if release != nil {
			defer release()
		}
		return fn(cmd.Context(), cmd, svc, args)
	}
}
