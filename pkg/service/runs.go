package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/ignatij/leadflow/pkg/condition"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// RunHistory is a run with its ordered audit trail.
type RunHistory struct {
	Execution models.WorkflowExecution `json:"execution"`
	Entries   []models.HistoryEntry    `json:"history"`
}

// StartRun creates a run of workflowID for leadID and drives it until it
// parks or finishes. A lead may hold only one non-terminal run per workflow;
// a second start fails with storage.ErrActiveRunExists.
func (e *Engine) StartRun(ctx context.Context, workflowID, leadID string) (models.WorkflowExecution, error) {
	def, err := e.store.GetDefinition(workflowID)
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrapf(err, "get workflow %s", workflowID)
	}
	seed, err := e.leadContext(ctx, leadID)
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	return e.startRun(ctx, def, leadID, seed)
}

func (e *Engine) leadContext(ctx context.Context, leadID string) (map[string]any, error) {
	if e.leads == nil {
		return map[string]any{}, nil
	}
	attrs, err := e.leads.GetLeadContext(ctx, leadID)
	if err != nil {
		return nil, errors.Wrapf(err, "load lead %s", leadID)
	}
	return attrs, nil
}

func (e *Engine) startRun(ctx context.Context, def models.WorkflowDefinition, leadID string, seed map[string]any) (models.WorkflowExecution, error) {
	if !def.IsActive {
		return models.WorkflowExecution{}, errors.Wrapf(ErrWorkflowInactive, "workflow %s", def.ID)
	}
	trigger, ok := def.TriggerNode()
	if !ok {
		return models.WorkflowExecution{}, &EngineFatal{NodeID: "-", Reason: "workflow " + def.ID + " has no trigger"}
	}
	now := e.now()
	owner := e.newOwner()
	leaseUntil := now.Add(e.cfg.LeaseTTL)
	runCtx := make(map[string]any, len(seed)+1)
	for k, v := range seed {
		runCtx[k] = v
	}
	runCtx["leadId"] = leadID
	run := models.WorkflowExecution{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		LeadID:         leadID,
		OrganizationID: def.OrganizationID,
		CurrentNodeID:  trigger.ID,
		Status:         models.RunningRunStatus,
		Context:        runCtx,
		Visits:         map[string]int{trigger.ID: 1},
		NodeEnteredAt:  &now,
		LeaseOwner:     owner,
		LeaseUntil:     &leaseUntil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.inTx(func(tx storage.Store) error {
		if err := tx.CreateExecution(run); err != nil {
			return err
		}
		return tx.IncrementRunCounter(def.ID, models.RunsStartedCounter)
	})
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrapf(err, "start run of %s for lead %s", def.ID, leadID)
	}
	e.logger.Infof("Started execution %s of workflow %s for lead %s", run.ID, def.ID, leadID)

	held := &lease{executionID: run.ID, owner: owner}
	defer e.release(held)
	if err := e.drive(ctx, &run, def, wakeNone, held); err != nil {
		return run, errors.Wrapf(err, "drive execution %s", run.ID)
	}
	return run, nil
}

// HandleLeadCreated starts a run of every active lead_created workflow of the
// organization whose trigger filter matches the lead. Failures of one
// workflow do not prevent the others from starting.
func (e *Engine) HandleLeadCreated(ctx context.Context, organizationID, leadID string, attributes map[string]any) ([]models.WorkflowExecution, error) {
	defs, err := e.store.ListActiveDefinitions(organizationID, models.LeadCreatedTrigger)
	if err != nil {
		return nil, errors.Wrap(err, "list active workflows")
	}
	seed := attributes
	if seed == nil {
		if seed, err = e.leadContext(ctx, leadID); err != nil {
			return nil, err
		}
	}
	var (
		runs    []models.WorkflowExecution
		lastErr error
	)
	for _, def := range defs {
		if !triggerMatches(def, seed) {
			continue
		}
		run, err := e.startRun(ctx, def, leadID, seed)
		if errors.Is(err, storage.ErrActiveRunExists) {
			e.logger.Infof("Lead %s already has an active run of workflow %s", leadID, def.ID)
			continue
		}
		if err != nil {
			e.logger.Errorf("Failed to start workflow %s for lead %s: %v", def.ID, leadID, err)
			lastErr = err
			if run.ID == "" {
				continue
			}
		}
		runs = append(runs, run)
	}
	return runs, lastErr
}

// triggerMatches applies the optional condition carried by the trigger node.
func triggerMatches(def models.WorkflowDefinition, attrs map[string]any) bool {
	trigger, ok := def.TriggerNode()
	if !ok {
		return false
	}
	if models.ConfigString(trigger.Config, "field") == "" {
		return true
	}
	out, err := condition.Resolve(trigger.Config, attrs, false)
	return err == nil && out.Kind == condition.Matched
}

// HandleJob processes a fired ScheduledJob. Jobs whose run has moved on are
// acknowledged without effect.
func (e *Engine) HandleJob(ctx context.Context, job models.ScheduledJob) error {
	run, err := e.store.GetExecution(job.ExecutionID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Infof("Discarding job %s: execution %s not found", job.ID, job.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	if reason := jobStale(run, job); reason != "" {
		e.logger.Infof("Discarding stale job %s for execution %s: %s", job.ID, job.ExecutionID, reason)
		return nil
	}
	return e.withRun(ctx, job.ExecutionID, func(run *models.WorkflowExecution, l *lease) error {
		if reason := jobStale(*run, job); reason != "" {
			e.logger.Infof("Discarding stale job %s for execution %s: %s", job.ID, job.ExecutionID, reason)
			return nil
		}
		def, err := e.store.GetDefinition(run.WorkflowID)
		if err != nil {
			return errors.Wrapf(err, "get workflow %s", run.WorkflowID)
		}
		run.AttemptEpoch++
		e.logger.Infof("Resuming execution %s at node %s on %s, epoch %d", run.ID, run.CurrentNodeID, job.Type, run.AttemptEpoch)
		return e.drive(ctx, run, def, wakeTimer, l)
	})
}

func jobStale(run models.WorkflowExecution, job models.ScheduledJob) string {
	switch {
	case run.Status != models.WaitingRunStatus:
		return "run is " + string(run.Status)
	case run.AttemptEpoch != job.Epoch:
		return "epoch moved on"
	case run.CurrentNodeID != job.NodeID:
		return "run left node " + job.NodeID
	}
	return ""
}

// CancelRun stops a non-terminal run and cancels its pending jobs.
func (e *Engine) CancelRun(ctx context.Context, executionID, reason string) (models.WorkflowExecution, error) {
	var result models.WorkflowExecution
	err := e.withRun(ctx, executionID, func(run *models.WorkflowExecution, _ *lease) error {
		if run.Status.Terminal() {
			return errors.Wrapf(ErrRunFinished, "execution %s is %s", run.ID, run.Status)
		}
		node := models.Node{ID: run.CurrentNodeID}
		if def, err := e.store.GetDefinition(run.WorkflowID); err == nil {
			if n, ok := def.Node(run.CurrentNodeID); ok {
				node = n
			}
		}
		if reason == "" {
			reason = "cancelled"
		}
		now := e.now()
		err := e.inTx(func(tx storage.Store) error {
			if err := tx.AppendHistory(e.entry(run, node, models.CancelledOutcome, reason, now)); err != nil {
				return err
			}
			if _, err := tx.CancelJobs(run.ID, run.AttemptEpoch); err != nil {
				return err
			}
			run.AttemptEpoch++
			e.finish(run, models.CancelledRunStatus, reason, now)
			return tx.UpdateExecution(*run)
		})
		if err != nil {
			return err
		}
		e.logger.Infof("Cancelled execution %s at node %s: %s", run.ID, node.ID, reason)
		e.telemetry.finished(models.CancelledRunStatus)
		result = *run
		return nil
	})
	return result, err
}

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, executionID string) (models.WorkflowExecution, error) {
	return e.store.GetExecution(executionID)
}

// ListRuns lists runs matching filter.
func (e *Engine) ListRuns(ctx context.Context, filter storage.ExecutionFilter) ([]models.WorkflowExecution, error) {
	return e.store.ListExecutions(filter)
}

// GetRunHistory returns the run with its history in transition order.
func (e *Engine) GetRunHistory(ctx context.Context, executionID string) (RunHistory, error) {
	run, err := e.store.GetExecution(executionID)
	if err != nil {
		return RunHistory{}, errors.Wrapf(err, "get execution %s", executionID)
	}
	entries, err := e.store.GetHistory(executionID)
	if err != nil {
		return RunHistory{}, errors.Wrapf(err, "get history of %s", executionID)
	}
	return RunHistory{Execution: run, Entries: entries}, nil
}

// RecoverStalled re-drives runs left in the running state by a driver that
// died before parking or finishing them. It returns how many were resumed.
func (e *Engine) RecoverStalled(ctx context.Context, limit int) (int, error) {
	stalled, err := e.store.ListStalledExecutions(e.now(), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stalled executions")
	}
	recovered := 0
	for _, s := range stalled {
		err := e.withRun(ctx, s.ID, func(run *models.WorkflowExecution, l *lease) error {
			if run.Status != models.RunningRunStatus {
				return nil
			}
			def, err := e.store.GetDefinition(run.WorkflowID)
			if err != nil {
				return err
			}
			e.logger.Infof("Recovering stalled execution %s at node %s", run.ID, run.CurrentNodeID)
			recovered++
			return e.drive(ctx, run, def, wakeNone, l)
		})
		if err != nil && !errors.Is(err, ErrRunBusy) {
			e.logger.Errorf("Failed to recover execution %s: %v", s.ID, err)
		}
	}
	return recovered, nil
}
