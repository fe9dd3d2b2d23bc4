package models

import "time"

// HistoryEntry is one append-only transition record of a run.
type HistoryEntry struct {
	ID          string    `json:"id" db:"id"`                    // UUID
	ExecutionID string    `json:"executionId" db:"execution_id"` // Parent run
	Seq         int       `json:"seq" db:"seq"`                  // Transition index within the run
	NodeID      string    `json:"nodeId" db:"node_id"`           // Node that was exited
	NodeType    string    `json:"nodeType" db:"node_type"`       // Concrete node type
	Epoch       int64     `json:"epoch" db:"epoch"`              // Attempt epoch when the node exited
	EnteredAt   time.Time `json:"enteredAt" db:"entered_at"`     // When the run arrived at the node
	ExitedAt    time.Time `json:"exitedAt" db:"exited_at"`       // When the transition was recorded
	Outcome     string    `json:"outcome" db:"outcome"`          // Edge label, "dispatched", "elapsed", "failed", ...
	Error       string    `json:"error,omitempty" db:"error"`    // Failure reason (optional)
}

// Outcome values that are not branch labels.
const (
	TriggeredOutcome  = "triggered"
	DispatchedOutcome = "dispatched"
	ElapsedOutcome    = "elapsed"
	FailedOutcome     = "failed"
	CancelledOutcome  = "cancelled"
)
