package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type SnapshotService interface {
	Snapshot(ctx context.Context) (*service.Snapshot, error)
}

type snapshotResponse struct {
	Queues                        map[string]int    `json:"queues"`
	Statuses                      map[string]int64  `json:"statuses"`
	DeadLetters                   int64             `json:"dead_letters"`
	Circuits                      map[string]string `json:"circuits"`
	Paused                        bool              `json:"paused"`
	AverageDeliveryLatencySeconds float64           `json:"average_delivery_latency_seconds"`
	GeneratedAt                   time.Time         `json:"generated_at"`
}

// RegisterMetricsSnapshotRoute mounts GET /v1/metrics.
func RegisterMetricsSnapshotRoute(router fiber.Router, snapshots SnapshotService) error {
	if snapshots == nil {
		return fmt.Errorf("snapshot service is required")
	}

	router.Get("/v1/metrics", func(c *fiber.Ctx) error {
		snapshot, err := snapshots.Snapshot(c.UserContext())
		if err != nil {
			return err
		}

		resp := snapshotResponse{
			Queues:                        snapshot.Queues,
			Statuses:                      make(map[string]int64, len(snapshot.Statuses)),
			DeadLetters:                   snapshot.DeadLetters,
			Circuits:                      make(map[string]string, len(snapshot.Circuits)),
			Paused:                        snapshot.Paused,
			AverageDeliveryLatencySeconds: snapshot.AverageDeliveryLatencySecs,
			GeneratedAt:                   snapshot.GeneratedAt,
		}
		for status, count := range snapshot.Statuses {
			resp.Statuses[status.String()] = count
		}
		for channel, state := range snapshot.Circuits {
			resp.Circuits[channel.String()] = state
		}

		return c.Status(fiber.StatusOK).JSON(resp)
	})

	return nil
}
