package models

import "time"

type RunStatus string

const (
	RunningRunStatus   RunStatus = "running"
	WaitingRunStatus   RunStatus = "waiting"
	CompletedRunStatus RunStatus = "completed"
	FailedRunStatus    RunStatus = "failed"
	CancelledRunStatus RunStatus = "cancelled"
)

// Terminal reports whether no further transitions may happen.
func (s RunStatus) Terminal() bool {
	return s == CompletedRunStatus || s == FailedRunStatus || s == CancelledRunStatus
}

// WaitReason records why a run is parked.
type WaitReason string

const (
	NoWait        WaitReason = ""
	DelayWait     WaitReason = "delay"
	ConditionWait WaitReason = "condition"
)

// WorkflowExecution is one run of a definition for one lead. Position is the
// CurrentNodeID pointer; nothing about it lives in memory between transitions.
type WorkflowExecution struct {
	ID                 string         `json:"id"`
	WorkflowID         string         `json:"workflowId"`
	LeadID             string         `json:"leadId"`
	OrganizationID     string         `json:"organizationId"`
	CurrentNodeID      string         `json:"currentNodeId"`
	Status             RunStatus      `json:"status"`
	WaitReason         WaitReason     `json:"waitReason,omitempty"`
	Context            map[string]any `json:"context"`
	ResumeAt           *time.Time     `json:"resumeAt,omitempty"`
	AttemptEpoch       int64          `json:"attemptEpoch"`
	Transitions        int            `json:"transitions"`
	Visits             map[string]int `json:"visits,omitempty"`
	NodeEnteredAt      *time.Time     `json:"nodeEnteredAt,omitempty"`
	LastDispatchNodeID string         `json:"lastDispatchNodeId,omitempty"`
	DispatchEpoch      int64          `json:"dispatchEpoch"`
	LastError          string         `json:"lastError,omitempty"`
	LeaseOwner         string         `json:"-"`
	LeaseUntil         *time.Time     `json:"-"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	FinishedAt         *time.Time     `json:"finishedAt,omitempty"`
}

// Clone returns a copy whose maps can be mutated independently.
func (r WorkflowExecution) Clone() WorkflowExecution {
	out := r
	out.Context = make(map[string]any, len(r.Context))
	for k, v := range r.Context {
		out.Context[k] = v
	}
	out.Visits = make(map[string]int, len(r.Visits))
	for k, v := range r.Visits {
		out.Visits[k] = v
	}
	return out
}
