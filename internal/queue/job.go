package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

type JobType string

const (
	JobSendNotification  JobType = "send_notification"
	JobDeadLetter        JobType = "dead_letter"
	JobUpdateBatchStatus JobType = "update_batch_status"
)

// Job is the broker payload.
type Job struct {
	Type           JobType         `json:"type"`
	NotificationID string          `json:"notificationId,omitempty"`
	BatchID        string          `json:"batchId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Priority       domain.Priority `json:"priority,omitempty"`
}

func SendJob(n *domain.Notification) Job {
	return Job{
		Type:           JobSendNotification,
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Priority:       n.Priority,
	}
}

func DeadLetterJob(n *domain.Notification) Job {
	return Job{
		Type:           JobDeadLetter,
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Priority:       n.Priority,
	}
}

func BatchStatusJob(batchID string) Job {
	return Job{Type: JobUpdateBatchStatus, BatchID: batchID}
}

func (j Job) Validate() error {
	switch j.Type {
	case JobSendNotification, JobDeadLetter:
		if strings.TrimSpace(j.NotificationID) == "" {
			return fmt.Errorf("notificationId is required for %s", j.Type)
		}
	case JobUpdateBatchStatus:
		if strings.TrimSpace(j.BatchID) == "" {
			return fmt.Errorf("batchId is required for %s", j.Type)
		}
	default:
		return fmt.Errorf("unknown job type %q", j.Type)
	}
	if j.Priority != "" && !j.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", j.Priority)
	}
	return nil
}

// messageID identifies the job for broker tooling.
func (j Job) messageID() string {
	if j.NotificationID != "" {
		return j.NotificationID
	}
	return j.BatchID
}

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeRequeue
	OutcomeDrop
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Outcome tells the consumer what to do with a handled job.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration
}

func Completed() Outcome {
	return Outcome{Kind: OutcomeCompleted}
}

// Requeue releases the job back to its queue after delay.
func Requeue(delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRequeue, Delay: max(delay, 0)}
}

// Drop acknowledges the job without further work.
func Drop() Outcome {
	return Outcome{Kind: OutcomeDrop}
}
