package models

import "time"

type JobType string

const (
	DelayElapsedJob     JobType = "delay_elapsed"
	ConditionTimeoutJob JobType = "condition_timeout"
)

type JobStatus string

const (
	PendingJobStatus   JobStatus = "pending"
	ClaimedJobStatus   JobStatus = "claimed"
	DoneJobStatus      JobStatus = "done"
	CancelledJobStatus JobStatus = "cancelled"
)

// ScheduledJob is a durable wake-up for exactly one (ExecutionID, Epoch) pair.
type ScheduledJob struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	ExecutionID string     `json:"executionId"`
	NodeID      string     `json:"nodeId"`
	Epoch       int64      `json:"epoch"`
	FireAt      time.Time  `json:"fireAt"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	ClaimOwner  string     `json:"claimOwner,omitempty"`
	ClaimUntil  *time.Time `json:"claimUntil,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// DispatchRecord is the ledger row written after a successful side effect.
type DispatchRecord struct {
	Key         string         `json:"key"`
	ExecutionID string         `json:"executionId"`
	NodeID      string         `json:"nodeId"`
	Result      map[string]any `json:"result"`
	CreatedAt   time.Time      `json:"createdAt"`
}
