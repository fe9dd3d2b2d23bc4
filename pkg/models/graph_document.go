package models

// GraphDocument is the persisted/exchanged form of a workflow graph as
// produced by the visual editor. The outer node type is the category; the
// concrete subtype lives in data.type.
type GraphDocument struct {
	ID             string         `json:"id,omitempty" yaml:"id,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty" yaml:"organizationId,omitempty"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	TriggerType    TriggerType    `json:"triggerType,omitempty" yaml:"triggerType,omitempty"`
	Nodes          []DocumentNode `json:"nodes" yaml:"nodes"`
	Edges          []DocumentEdge `json:"edges" yaml:"edges"`
}

type DocumentNode struct {
	ID       string           `json:"id" yaml:"id"`
	Type     string           `json:"type" yaml:"type"`
	Position *DocumentPoint   `json:"position,omitempty" yaml:"position,omitempty"`
	Data     DocumentNodeData `json:"data" yaml:"data"`
}

// DocumentPoint is presentation-only.
type DocumentPoint struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

type DocumentNodeData struct {
	Label  string         `json:"label,omitempty" yaml:"label,omitempty"`
	Type   string         `json:"type" yaml:"type"`
	Color  string         `json:"color,omitempty" yaml:"color,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type DocumentEdge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// Definition converts the document into an inactive WorkflowDefinition.
func (g GraphDocument) Definition() WorkflowDefinition {
	def := WorkflowDefinition{
		ID:             g.ID,
		OrganizationID: g.OrganizationID,
		Name:           g.Name,
		TriggerType:    g.TriggerType,
		Nodes:          make([]Node, 0, len(g.Nodes)),
		Edges:          make([]Edge, 0, len(g.Edges)),
	}
	if def.TriggerType == "" {
		def.TriggerType = LeadCreatedTrigger
	}
	for _, n := range g.Nodes {
		def.Nodes = append(def.Nodes, Node{
			ID:       n.ID,
			Category: NodeCategory(n.Type),
			Type:     n.Data.Type,
			Label:    n.Data.Label,
			Color:    n.Data.Color,
			Config:   n.Data.Config,
		})
	}
	for _, e := range g.Edges {
		def.Edges = append(def.Edges, Edge(e))
	}
	return def
}

// Document converts a definition back into its wire form.
func (d WorkflowDefinition) Document() GraphDocument {
	doc := GraphDocument{
		ID:             d.ID,
		OrganizationID: d.OrganizationID,
		Name:           d.Name,
		TriggerType:    d.TriggerType,
		Nodes:          make([]DocumentNode, 0, len(d.Nodes)),
		Edges:          make([]DocumentEdge, 0, len(d.Edges)),
	}
	for _, n := range d.Nodes {
		doc.Nodes = append(doc.Nodes, DocumentNode{
			ID:   n.ID,
			Type: string(n.Category),
			Data: DocumentNodeData{Label: n.Label, Type: n.Type, Color: n.Color, Config: n.Config},
		})
	}
	for _, e := range d.Edges {
		doc.Edges = append(doc.Edges, DocumentEdge(e))
	}
	return doc
}
