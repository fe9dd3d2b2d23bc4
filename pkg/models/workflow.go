package models

import "time"

// TriggerType identifies the external event that starts runs of a definition.
type TriggerType string

const (
	LeadCreatedTrigger TriggerType = "lead_created"
)

// RunCounter names one of the per-definition run counters.
type RunCounter string

const (
	RunsStartedCounter   RunCounter = "runs_started"
	RunsCompletedCounter RunCounter = "runs_completed"
	RunsFailedCounter    RunCounter = "runs_failed"
)

// WorkflowDefinition is a tenant-scoped automation graph.
type WorkflowDefinition struct {
	ID             string      `json:"id" db:"id"`                          // Stable identifier (UUID)
	OrganizationID string      `json:"organizationId" db:"organization_id"` // Owning tenant
	Name           string      `json:"name" db:"name"`                      // Descriptive name (e.g., "New lead nurture")
	TriggerType    TriggerType `json:"triggerType" db:"trigger_type"`       // Event that starts runs
	Nodes          []Node      `json:"nodes"`                               // Unique by ID
	Edges          []Edge      `json:"edges"`                               // Directed, may form cycles
	IsActive       bool        `json:"isActive" db:"is_active"`             // Only active definitions start runs
	RunsStarted    int64       `json:"runsStarted" db:"runs_started"`       // Counter
	RunsCompleted  int64       `json:"runsCompleted" db:"runs_completed"`   // Counter
	RunsFailed     int64       `json:"runsFailed" db:"runs_failed"`         // Counter
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`           // Creation timestamp
	UpdatedAt      time.Time   `json:"updatedAt" db:"updated_at"`           // Last update timestamp
}

// Node returns the node with the given id.
func (d WorkflowDefinition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// TriggerNode returns the first node of category trigger.
func (d WorkflowDefinition) TriggerNode() (Node, bool) {
	for _, n := range d.Nodes {
		if n.Category == TriggerCategory {
			return n, true
		}
	}
	return Node{}, false
}
