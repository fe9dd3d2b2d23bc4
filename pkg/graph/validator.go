package graph

import (
	"fmt"
	"strings"

	"github.com/ignatij/leadflow/pkg/condition"
	"github.com/ignatij/leadflow/pkg/models"
)

// Problem is a single defect found in a definition.
type Problem struct {
	NodeID  string `json:"nodeId,omitempty"`
	EdgeID  string `json:"edgeId,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	switch {
	case p.NodeID != "":
		return fmt.Sprintf("node %s: %s", p.NodeID, p.Message)
	case p.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", p.EdgeID, p.Message)
	}
	return p.Message
}

// ValidationError lists every problem found, not only the first.
type ValidationError struct {
	Problems []Problem `json:"problems"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.String())
	}
	return "invalid workflow: " + strings.Join(msgs, "; ")
}

var knownTypes = map[models.NodeCategory]map[string]bool{
	models.TriggerCategory: {models.LeadCreatedNodeType: true},
	models.ActionCategory: {
		models.WhatsAppNodeType:     true,
		models.EmailNodeType:        true,
		models.AICallNodeType:       true,
		models.HumanCallNodeType:    true,
		models.UpdateStatusNodeType: true,
		models.AssignLeadNodeType:   true,
		models.CreateTaskNodeType:   true,
		models.AnalyticsNodeType:    true,
	},
	models.DelayCategory: {models.DelayNodeType: true},
}

type validator struct {
	def      models.WorkflowDefinition
	g        *Graph
	problems []Problem
}

func (v *validator) nodef(id, format string, args ...any) {
	v.problems = append(v.problems, Problem{NodeID: id, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) edgef(id, format string, args ...any) {
	v.problems = append(v.problems, Problem{EdgeID: id, Message: fmt.Sprintf(format, args...)})
}

// Validate checks that def can be executed. A nil error means the definition
// may be activated; otherwise the error is a *ValidationError.
func Validate(def models.WorkflowDefinition) error {
	v := &validator{def: def, g: New(def)}
	v.nodes()
	v.edges()
	v.trigger()
	v.fanout()
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

func (v *validator) nodes() {
	if len(v.def.Nodes) == 0 {
		v.problems = append(v.problems, Problem{Message: "workflow has no nodes"})
		return
	}
	seen := make(map[string]bool, len(v.def.Nodes))
	for _, n := range v.def.Nodes {
		if n.ID == "" {
			v.problems = append(v.problems, Problem{Message: "node without id"})
			continue
		}
		if strings.Contains(n.ID, "|") {
			v.nodef(n.ID, "id must not contain '|'")
		}
		if seen[n.ID] {
			v.nodef(n.ID, "duplicate node id")
			continue
		}
		seen[n.ID] = true
		if !models.IsCategory(n.Category) {
			v.nodef(n.ID, "unknown category %q", n.Category)
			continue
		}
		switch n.Category {
		case models.ConditionCategory:
			v.conditionConfig(n)
			continue
		case models.TriggerCategory:
			if models.ConfigString(n.Config, "field") != "" {
				v.conditionConfig(n)
			}
		case models.DelayCategory:
			if _, ok, err := models.WaitDuration(n.Config, ""); err != nil {
				v.nodef(n.ID, "invalid delay: %v", err)
			} else if !ok {
				v.nodef(n.ID, "delay has no duration")
			}
		case models.ActionCategory:
			if n.Type == "" {
				v.nodef(n.ID, "action has no type")
				continue
			}
		}
		if n.Type != "" && !knownTypes[n.Category][n.Type] {
			v.nodef(n.ID, "unknown %s type %q", n.Category, n.Type)
		}
	}
}

func (v *validator) conditionConfig(n models.Node) {
	config := condition.ForNode(n)
	if models.ConfigString(config, "field") == "" {
		v.nodef(n.ID, "condition has no field")
	}
	if _, err := condition.NormalizeOperator(models.ConfigString(config, "operator")); err != nil {
		v.nodef(n.ID, "%v", err)
	}
	if _, _, err := models.WaitDuration(config, "timeout"); err != nil {
		v.nodef(n.ID, "invalid timeout: %v", err)
	}
}

func (v *validator) edges() {
	seen := make(map[string]bool, len(v.def.Edges))
	for _, e := range v.def.Edges {
		if e.ID != "" {
			if seen[e.ID] {
				v.edgef(e.ID, "duplicate edge id")
			}
			seen[e.ID] = true
		}
		label := e.ID
		if label == "" {
			label = e.Source + "->" + e.Target
		}
		if _, ok := v.g.Node(e.Source); !ok {
			v.edgef(label, "unknown source %q", e.Source)
		}
		if _, ok := v.g.Node(e.Target); !ok {
			v.edgef(label, "unknown target %q", e.Target)
		}
	}
}

func (v *validator) trigger() {
	var triggers []models.Node
	for _, n := range v.def.Nodes {
		if n.Category == models.TriggerCategory {
			triggers = append(triggers, n)
		}
	}
	switch len(triggers) {
	case 0:
		v.problems = append(v.problems, Problem{Message: "workflow has no trigger node"})
		return
	case 1:
	default:
		for _, t := range triggers[1:] {
			v.nodef(t.ID, "workflow has more than one trigger")
		}
	}
	trig := triggers[0]
	if v.g.incoming[v.g.index[trig.ID]] > 0 {
		v.nodef(trig.ID, "trigger must not have incoming edges")
	}
	if len(v.g.Outgoing(trig.ID)) == 0 {
		v.nodef(trig.ID, "trigger has no outgoing edge")
	}
	reach := v.g.Reachable(trig.ID)
	for _, n := range v.def.Nodes {
		if _, ok := reach[n.ID]; !ok && n.Category != models.TriggerCategory {
			v.nodef(n.ID, "unreachable from trigger")
		}
	}
}

func (v *validator) fanout() {
	for _, n := range v.def.Nodes {
		out := v.g.Outgoing(n.ID)
		switch n.Category {
		case models.ActionCategory, models.DelayCategory, models.TriggerCategory:
			if len(out) > 1 {
				v.nodef(n.ID, "%s node has %d outgoing edges, at most one allowed", n.Category, len(out))
			}
		case models.ConditionCategory:
			if len(out) == 0 {
				v.nodef(n.ID, "condition has no outgoing edges")
				continue
			}
			for _, label := range condition.Outcomes(condition.ForNode(n)) {
				if !condition.Routed(out, label) {
					v.nodef(n.ID, "outcome %q has no edge", label)
				}
			}
		}
	}
}
