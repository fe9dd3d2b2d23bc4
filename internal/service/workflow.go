package service

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/ignatij/leadflow/internal/log"
	internal_storage "github.com/ignatij/leadflow/internal/storage"
	"github.com/ignatij/leadflow/pkg/graph"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/service"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// WorkflowService is the entry point of the admin surfaces: it turns graph
// documents into definitions and lead intake into runs.
type WorkflowService struct {
	engine *service.Engine
	leads  internal_storage.Leads
}

func NewWorkflowService(engine *service.Engine, leads internal_storage.Leads) *WorkflowService {
	return &WorkflowService{engine: engine, leads: leads}
}

func (s *WorkflowService) Engine() *service.Engine {
	return s.engine
}

// ParseDocument decodes a graph document. name is only used to pick the
// format: .json, or a body starting with '{', is JSON; anything else YAML.
func ParseDocument(name string, data []byte) (models.GraphDocument, error) {
	var doc models.GraphDocument
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return doc, errors.New("empty workflow document")
	}
	if strings.EqualFold(filepath.Ext(name), ".json") || trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return doc, errors.Wrap(err, "decode JSON workflow document")
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return doc, errors.Wrap(err, "decode YAML workflow document")
	}
	return doc, nil
}

// ValidateDocument parses and validates a document without storing it. The
// returned error is a *graph.ValidationError when the graph itself is wrong.
func (s *WorkflowService) ValidateDocument(name string, data []byte) (models.WorkflowDefinition, error) {
	doc, err := ParseDocument(name, data)
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	def := doc.Definition()
	return def, graph.Validate(def)
}

// ImportWorkflow stores a document as a definition and optionally activates
// it. Re-importing a document with the same id replaces the graph.
func (s *WorkflowService) ImportWorkflow(ctx context.Context, doc models.GraphDocument, activate bool) (models.WorkflowDefinition, error) {
	def := doc.Definition()
	if def.ID != "" {
		if existing, err := s.engine.GetDefinition(ctx, def.ID); err == nil {
			def.IsActive = existing.IsActive
			def.CreatedAt = existing.CreatedAt
		}
	}
	// an active definition stays active, so the new graph must validate
	saved, err := s.engine.SaveDefinition(ctx, def)
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	if !activate || saved.IsActive {
		return saved, nil
	}
	if err := s.engine.Activate(ctx, saved.ID); err != nil {
		return saved, err
	}
	log.GetLogger().Infof("Imported and activated workflow %s (%s) with %d nodes", saved.ID, saved.Name, len(saved.Nodes))
	return s.engine.GetDefinition(ctx, saved.ID)
}

// IntakeLead records a newly created lead and starts every matching active
// workflow of its organization.
func (s *WorkflowService) IntakeLead(ctx context.Context, organizationID, leadID string, attributes map[string]any) ([]models.WorkflowExecution, error) {
	if organizationID == "" || leadID == "" {
		return nil, errors.New("organization id and lead id are required")
	}
	if s.leads != nil {
		if err := s.leads.SaveLead(ctx, organizationID, leadID, attributes); err != nil {
			return nil, err
		}
		attrs, err := s.leads.GetLeadContext(ctx, leadID)
		if err != nil {
			return nil, err
		}
		attributes = attrs
	}
	return s.engine.HandleLeadCreated(ctx, organizationID, leadID, attributes)
}

// SetLabels stores the template labels of an organization.
func (s *WorkflowService) SetLabels(ctx context.Context, organizationID string, labels map[string]string) error {
	if s.leads == nil {
		return errors.New("no label store configured")
	}
	return s.leads.SetLabels(ctx, organizationID, labels)
}
