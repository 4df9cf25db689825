package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskVisitorAutoCheckout checks out inside visitors with lapsed grants.
	TaskVisitorAutoCheckout = "visitor:auto_checkout"
	// TaskAccessLogRetention prunes audit entries past the retention window.
	TaskAccessLogRetention = "access:log_retention"
)

// AutoCheckoutPayload configures a visitor auto-checkout run. Empty
// payloads use server-side defaults.
type AutoCheckoutPayload struct {
	DryRun bool `json:"dry_run,omitempty"`
}

// NewAutoCheckoutTask constructs a visitor auto-checkout task.
func NewAutoCheckoutTask(payload AutoCheckoutPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVisitorAutoCheckout, data), nil
}

// LogRetentionPayload configures an audit log pruning run.
type LogRetentionPayload struct {
	// Retention overrides the configured window when positive.
	Retention time.Duration `json:"retention,omitempty"`
}

// NewLogRetentionTask constructs a log retention task.
func NewLogRetentionTask(payload LogRetentionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccessLogRetention, data), nil
}
