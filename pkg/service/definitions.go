package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/ignatij/leadflow/pkg/graph"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// SaveDefinition stores a definition. Drafts may be invalid; an active
// definition must pass validation.
func (e *Engine) SaveDefinition(ctx context.Context, def models.WorkflowDefinition) (models.WorkflowDefinition, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return models.WorkflowDefinition{}, errors.New("empty workflow name")
	}
	if len(def.Name) > 100 {
		return models.WorkflowDefinition{}, errors.New("workflow name too long (max 100 characters)")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.TriggerType == "" {
		def.TriggerType = models.LeadCreatedTrigger
	}
	if def.IsActive {
		if err := graph.Validate(def); err != nil {
			return models.WorkflowDefinition{}, err
		}
	}
	if err := e.store.SaveDefinition(def); err != nil {
		return models.WorkflowDefinition{}, errors.Wrapf(err, "save workflow %s", def.ID)
	}
	e.logger.Infof("Saved workflow %s (%s), active=%t", def.ID, def.Name, def.IsActive)
	return e.store.GetDefinition(def.ID)
}

// GetDefinition returns a definition by id.
func (e *Engine) GetDefinition(ctx context.Context, id string) (models.WorkflowDefinition, error) {
	return e.store.GetDefinition(id)
}

// ListDefinitions lists definitions of an organization, or all when empty.
func (e *Engine) ListDefinitions(ctx context.Context, organizationID string) ([]models.WorkflowDefinition, error) {
	return e.store.ListDefinitions(organizationID)
}

// Activate validates the definition and lets it start runs.
func (e *Engine) Activate(ctx context.Context, id string) error {
	def, err := e.store.GetDefinition(id)
	if err != nil {
		return errors.Wrapf(err, "get workflow %s", id)
	}
	if err := graph.Validate(def); err != nil {
		return err
	}
	if err := e.store.SetDefinitionActive(id, true); err != nil {
		return errors.Wrapf(err, "activate workflow %s", id)
	}
	e.logger.Infof("Activated workflow %s", id)
	return nil
}

// Deactivate stops new runs of the definition. In-flight runs continue
// unless cancelInFlight is set, in which case every non-terminal run is
// cancelled. It returns the number of cancelled runs.
func (e *Engine) Deactivate(ctx context.Context, id string, cancelInFlight bool) (int, error) {
	if err := e.store.SetDefinitionActive(id, false); err != nil {
		return 0, errors.Wrapf(err, "deactivate workflow %s", id)
	}
	e.logger.Infof("Deactivated workflow %s", id)
	if !cancelInFlight {
		return 0, nil
	}
	runs, err := e.store.ListExecutions(storage.ExecutionFilter{
		WorkflowID: id,
		Statuses:   []models.RunStatus{models.RunningRunStatus, models.WaitingRunStatus},
	})
	if err != nil {
		return 0, errors.Wrapf(err, "list runs of workflow %s", id)
	}
	cancelled := 0
	var lastErr error
	for _, run := range runs {
		if _, err := e.CancelRun(ctx, run.ID, "workflow deactivated"); err != nil {
			if errors.Is(err, ErrRunFinished) {
				continue
			}
			e.logger.Errorf("Failed to cancel execution %s: %v", run.ID, err)
			lastErr = err
			continue
		}
		cancelled++
	}
	return cancelled, lastErr
}
