package service

import (
	"context"
	"fmt"

	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// HandleExternalEvent correlates an inbound event with a waiting run, merges
// its fields into the run context and re-enters the parked node. An event
// that matches no waiting run, or carries the epoch of an older dispatch,
// yields ErrCorrelationMiss and changes nothing.
func (e *Engine) HandleExternalEvent(ctx context.Context, event models.ExternalEvent) error {
	ev, err := event.Resolve()
	if err != nil {
		return e.missed(ctx, event, "malformed correlation id: "+err.Error())
	}
	executionID, reason, err := e.correlate(ev)
	if err != nil {
		return err
	}
	if executionID == "" {
		return e.missed(ctx, ev, reason)
	}
	var miss string
	err = e.withRun(ctx, executionID, func(run *models.WorkflowExecution, l *lease) error {
		if miss = eventStale(*run, ev); miss != "" {
			return nil
		}
		mergeFields(run, ev)
		def, err := e.store.GetDefinition(run.WorkflowID)
		if err != nil {
			return errors.Wrapf(err, "get workflow %s", run.WorkflowID)
		}
		if run.WaitReason == models.DelayWait {
			// delays are not cut short by events; remember the fields only
			run.UpdatedAt = e.now()
			e.logger.Infof("Execution %s is in a delay at node %s, merged %s event fields", run.ID, run.CurrentNodeID, ev.Type)
			return errors.Wrap(e.store.UpdateExecution(*run), "update execution")
		}
		if n, err := e.store.CancelJobs(run.ID, run.AttemptEpoch); err != nil {
			e.logger.Errorf("Failed to cancel pending jobs of execution %s: %v", run.ID, err)
		} else if n > 0 {
			e.logger.Infof("Cancelled %d pending job(s) of execution %s", n, run.ID)
		}
		run.AttemptEpoch++
		e.logger.Infof("Resuming execution %s at node %s on %s event, epoch %d", run.ID, run.CurrentNodeID, ev.Type, run.AttemptEpoch)
		return e.drive(ctx, run, def, wakeEvent, l)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return e.missed(ctx, ev, "run not found")
	}
	if err != nil {
		return err
	}
	if miss != "" {
		return e.missed(ctx, ev, miss)
	}
	return nil
}

// correlate finds the run an event belongs to: by execution id when known,
// otherwise among the lead's waiting runs by node. Without a node the lead
// must have exactly one waiting run; when it returns no id, reason says why.
func (e *Engine) correlate(ev models.ExternalEvent) (string, string, error) {
	if ev.ExecutionID != "" {
		return ev.ExecutionID, "", nil
	}
	if ev.LeadID == "" {
		return "", "no waiting run", nil
	}
	waiting, err := e.store.FindWaitingExecutions(ev.LeadID)
	if err != nil {
		return "", "", errors.Wrapf(err, "find waiting runs of lead %s", ev.LeadID)
	}
	var matches []string
	for _, run := range waiting {
		if ev.NodeID == "" || run.CurrentNodeID == ev.NodeID || run.LastDispatchNodeID == ev.NodeID {
			matches = append(matches, run.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", "no waiting run", nil
	case 1:
		return matches[0], "", nil
	}
	return "", fmt.Sprintf("ambiguous: %d waiting runs of the lead match", len(matches)), nil
}

func eventStale(run models.WorkflowExecution, ev models.ExternalEvent) string {
	switch {
	case run.Status != models.WaitingRunStatus:
		return "run is " + string(run.Status)
	case ev.LeadID != "" && ev.LeadID != run.LeadID:
		return "lead does not match"
	case ev.Epoch != 0 && ev.Epoch < run.DispatchEpoch:
		return "epoch is stale"
	case ev.NodeID != "" && ev.NodeID != run.CurrentNodeID && ev.NodeID != run.LastDispatchNodeID:
		return "node " + ev.NodeID + " is not awaited"
	}
	return ""
}

func mergeFields(run *models.WorkflowExecution, ev models.ExternalEvent) {
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	for k, v := range ev.Fields {
		run.Context[k] = v
	}
	if ev.Type != "" {
		run.Context["lastEventType"] = string(ev.Type)
	}
}

func (e *Engine) missed(ctx context.Context, ev models.ExternalEvent, reason string) error {
	e.telemetry.miss(ctx, reason)
	e.logger.Infof("Dropping %s event (execution %q, lead %q, node %q, epoch %d): %s",
		ev.Type, ev.ExecutionID, ev.LeadID, ev.NodeID, ev.Epoch, reason)
	return errors.Wrap(ErrCorrelationMiss, reason)
}
