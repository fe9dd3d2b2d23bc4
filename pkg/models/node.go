package models

type NodeCategory string

const (
	TriggerCategory   NodeCategory = "trigger"
	ActionCategory    NodeCategory = "action"
	ConditionCategory NodeCategory = "condition"
	DelayCategory     NodeCategory = "delay"
)

// Concrete node types understood by the engine.
const (
	LeadCreatedNodeType  = "leadCreated"
	WhatsAppNodeType     = "whatsapp"
	EmailNodeType        = "email"
	AICallNodeType       = "aiCall"
	HumanCallNodeType    = "humanCall"
	UpdateStatusNodeType = "updateStatus"
	AssignLeadNodeType   = "assignLead"
	CreateTaskNodeType   = "createTask"
	AnalyticsNodeType    = "analytics"
	DelayNodeType        = "delay"
)

// Conventional edge handles.
const (
	YesHandle      = "yes"
	NoHandle       = "no"
	DefaultHandle  = "default"
	FallbackHandle = "fallback"
	TimeoutHandle  = "timeout"
)

// Node is one vertex of a workflow graph. Config is interpreted per Type and
// may carry {{placeholder}} tokens.
type Node struct {
	ID       string         `json:"id"`
	Category NodeCategory   `json:"category"`
	Type     string         `json:"type"`
	Label    string         `json:"label,omitempty"`
	Color    string         `json:"color,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// Edge connects Source to Target. SourceHandle carries the branch label for
// trigger and condition nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// IsCategory reports whether c is one of the known node categories.
func IsCategory(c NodeCategory) bool {
	switch c {
	case TriggerCategory, ActionCategory, ConditionCategory, DelayCategory:
		return true
	}
	return false
}
