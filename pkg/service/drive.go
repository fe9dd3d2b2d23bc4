package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ignatij/leadflow/pkg/condition"
	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/ignatij/leadflow/pkg/graph"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// wake says what re-entered the current node.
type wake int

const (
	wakeNone wake = iota
	wakeTimer
	wakeEvent
)

func (w wake) String() string {
	switch w {
	case wakeTimer:
		return "timer"
	case wakeEvent:
		return "event"
	}
	return "none"
}

// park suspends the run at the current node until resumeAt.
type park struct {
	reason   models.WaitReason
	resumeAt time.Time
	job      models.JobType
}

// transition is the result of processing one node.
type transition struct {
	outcome string
	next    string // "" completes the run
	park    *park
	fail    error
	data    map[string]any
	reset   []string // context keys removed before data is merged
	settled bool     // a waiting condition resolved; replies to the last dispatch are late
}

// drive advances run until it parks, finishes or fails. The caller holds the
// lease. w applies to the first node only; every later node is entered fresh.
func (e *Engine) drive(ctx context.Context, run *models.WorkflowExecution, def models.WorkflowDefinition, w wake, l *lease) (err error) {
	ctx, span := e.telemetry.startDrive(ctx, run, w)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("Recovered panic while driving execution %s: %v", run.ID, r)
			err = e.failRun(run, fmt.Sprintf("panic: %v", r))
		}
	}()

	// a wake re-enters the node the run is parked at
	if w != wakeNone && run.Status == models.WaitingRunStatus {
		run.Status = models.RunningRunStatus
	}
	g := graph.New(def)
	for !run.Status.Terminal() && run.Status != models.WaitingRunStatus {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		node, ok := g.Node(run.CurrentNodeID)
		var tr transition
		if !ok {
			tr = transition{outcome: models.FailedOutcome, fail: &EngineFatal{ExecutionID: run.ID, NodeID: run.CurrentNodeID, Reason: "node not in workflow definition"}}
			node = models.Node{ID: run.CurrentNodeID}
		} else {
			if err := e.renew(l, e.holdFor(node)); err != nil {
				return err
			}
			tr, err = e.step(ctx, g, run, node, w)
			if err != nil {
				return err
			}
		}
		w = wakeNone
		// nothing is written once another driver may own the run
		if err := e.renew(l, e.cfg.LeaseTTL); err != nil {
			return err
		}
		if err := e.apply(run, node, tr); err != nil {
			return err
		}
	}
	return nil
}

// holdFor is how long the lease must last to process node: an action may
// spend every dispatch attempt at its timeout plus the backoff between them.
func (e *Engine) holdFor(node models.Node) time.Duration {
	if node.Category != models.ActionCategory {
		return e.cfg.LeaseTTL
	}
	attempts := time.Duration(e.cfg.DispatchMaxAttempts)
	return e.cfg.LeaseTTL + attempts*e.cfg.DispatchTimeout + (attempts-1)*e.cfg.DispatchMaxBackoff
}

func (e *Engine) step(ctx context.Context, g *graph.Graph, run *models.WorkflowExecution, node models.Node, w wake) (transition, error) {
	switch node.Category {
	case models.TriggerCategory:
		return e.advance(g, node, models.TriggeredOutcome), nil
	case models.ActionCategory:
		return e.stepAction(ctx, g, run, node)
	case models.ConditionCategory:
		return e.stepCondition(g, run, node, w), nil
	case models.DelayCategory:
		return e.stepDelay(g, node, w), nil
	}
	return transition{outcome: models.FailedOutcome, fail: &EngineFatal{
		ExecutionID: run.ID, NodeID: node.ID, Reason: fmt.Sprintf("unknown node category %q", node.Category),
	}}, nil
}

func (e *Engine) advance(g *graph.Graph, node models.Node, outcome string) transition {
	next, _ := g.Successor(node.ID)
	return transition{outcome: outcome, next: next}
}

func ledgerKey(run *models.WorkflowExecution, nodeID string) string {
	return fmt.Sprintf("%s:%d:%d:%s", run.ID, run.AttemptEpoch, run.Transitions, nodeID)
}

func (e *Engine) stepAction(ctx context.Context, g *graph.Graph, run *models.WorkflowExecution, node models.Node) (transition, error) {
	key := ledgerKey(run, node.ID)
	rec, err := e.store.GetDispatch(key)
	switch {
	case err == nil:
		e.logger.Infof("Execution %s node %s already dispatched, reusing recorded result", run.ID, node.ID)
		tr := e.advance(g, node, models.DispatchedOutcome)
		tr.data = rec.Result
		tr.reset = dispatch.AwaitedFields(node.Type)
		e.markDispatched(run, node)
		return tr, nil
	case !errors.Is(err, storage.ErrNotFound):
		return transition{}, errors.Wrapf(err, "read dispatch ledger %s", key)
	}

	req := dispatch.Request{
		Node:           node,
		ExecutionID:    run.ID,
		LeadID:         run.LeadID,
		OrganizationID: run.OrganizationID,
		Context:        run.Context,
		CorrelationID:  models.CorrelationToken{ExecutionID: run.ID, NodeID: node.ID, Epoch: run.AttemptEpoch}.Encode(),
		IdempotencyKey: key,
	}
	res, err := e.dispatchWithRetry(ctx, req)
	if err != nil {
		e.telemetry.dispatchFailed(ctx, node.Type, dispatch.IsTransient(err))
		e.logger.Errorf("Dispatch of node %s (%s) for execution %s failed: %v", node.ID, node.Type, run.ID, err)
		return transition{outcome: models.FailedOutcome, fail: err}, nil
	}
	if err := e.store.SaveDispatch(models.DispatchRecord{
		Key:         key,
		ExecutionID: run.ID,
		NodeID:      node.ID,
		Result:      res.Data,
		CreatedAt:   e.now(),
	}); err != nil {
		e.logger.Errorf("Failed to record dispatch %s: %v", key, err)
	}
	e.markDispatched(run, node)
	tr := e.advance(g, node, models.DispatchedOutcome)
	tr.data = res.Data
	tr.reset = dispatch.AwaitedFields(node.Type)
	return tr, nil
}

func (e *Engine) markDispatched(run *models.WorkflowExecution, node models.Node) {
	run.LastDispatchNodeID = node.ID
	run.DispatchEpoch = run.AttemptEpoch
}

// dispatchWithRetry retries transient failures with exponential backoff up
// to DispatchMaxAttempts attempts.
func (e *Engine) dispatchWithRetry(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.DispatchInitialBackoff
	b.MaxInterval = e.cfg.DispatchMaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.DispatchMaxAttempts-1)), ctx)

	attempt := 0
	var res dispatch.Result
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
		defer cancel()
		r, err := e.dispatcher.Dispatch(attemptCtx, req)
		if err == nil {
			res = r
			return nil
		}
		if dispatch.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		e.logger.Infof("Transient dispatch failure for node %s (attempt %d/%d): %v", req.Node.ID, attempt, e.cfg.DispatchMaxAttempts, err)
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return dispatch.Result{}, err
	}
	return res, nil
}

func (e *Engine) stepCondition(g *graph.Graph, run *models.WorkflowExecution, node models.Node, w wake) transition {
	config := condition.ForNode(node)
	out, err := condition.Resolve(config, run.Context, w == wakeTimer)
	if err != nil {
		return transition{outcome: models.FailedOutcome, fail: &EngineFatal{ExecutionID: run.ID, NodeID: node.ID, Reason: err.Error()}}
	}
	if out.Kind == condition.Pending {
		timeout, _, _ := models.WaitDuration(config, "timeout")
		resumeAt := e.now().Add(timeout)
		// an event that did not settle the condition keeps the original deadline
		if w == wakeEvent && run.ResumeAt != nil {
			resumeAt = *run.ResumeAt
		}
		return transition{park: &park{reason: models.ConditionWait, resumeAt: resumeAt, job: models.ConditionTimeoutJob}}
	}
	edge, err := condition.SelectEdge(g.Outgoing(node.ID), out)
	if err != nil {
		return transition{outcome: models.FailedOutcome, fail: &EngineFatal{ExecutionID: run.ID, NodeID: node.ID, Reason: err.Error()}}
	}
	_, waits, _ := models.WaitDuration(config, "timeout")
	return transition{outcome: out.Label, next: edge.Target, settled: waits}
}

func (e *Engine) stepDelay(g *graph.Graph, node models.Node, w wake) transition {
	if w == wakeTimer {
		return e.advance(g, node, models.ElapsedOutcome)
	}
	d, _, _ := models.WaitDuration(node.Config, "")
	return transition{park: &park{reason: models.DelayWait, resumeAt: e.now().Add(d), job: models.DelayElapsedJob}}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (e *Engine) entry(run *models.WorkflowExecution, node models.Node, outcome, errMsg string, now time.Time) models.HistoryEntry {
	entered := now
	if run.NodeEnteredAt != nil {
		entered = *run.NodeEnteredAt
	}
	return models.HistoryEntry{
		ID:          uuid.NewString(),
		ExecutionID: run.ID,
		Seq:         run.Transitions,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Epoch:       run.AttemptEpoch,
		EnteredAt:   entered,
		ExitedAt:    now,
		Outcome:     outcome,
		Error:       errMsg,
	}
}

func (e *Engine) finish(run *models.WorkflowExecution, status models.RunStatus, reason string, now time.Time) {
	run.Status = status
	run.WaitReason = models.NoWait
	run.ResumeAt = nil
	run.LastError = reason
	run.FinishedAt = &now
	run.UpdatedAt = now
}

// apply persists one transition atomically: the history entry, the new run
// position and any wake-up job.
func (e *Engine) apply(run *models.WorkflowExecution, node models.Node, tr transition) error {
	now := e.now()
	for _, k := range tr.reset {
		delete(run.Context, k)
	}
	for k, v := range tr.data {
		if run.Context == nil {
			run.Context = map[string]any{}
		}
		run.Context[k] = v
	}
	return e.inTx(func(tx storage.Store) error {
		if tr.park != nil {
			resumeAt := tr.park.resumeAt
			run.Status = models.WaitingRunStatus
			run.WaitReason = tr.park.reason
			run.ResumeAt = &resumeAt
			run.UpdatedAt = now
			if err := tx.EnqueueJob(models.ScheduledJob{
				ID:          uuid.NewString(),
				Type:        tr.park.job,
				ExecutionID: run.ID,
				NodeID:      node.ID,
				Epoch:       run.AttemptEpoch,
				FireAt:      resumeAt,
				Status:      models.PendingJobStatus,
				CreatedAt:   now,
			}); err != nil {
				return errors.Wrap(err, "enqueue wake-up")
			}
			e.logger.Infof("Execution %s parked at node %s (%s) until %s, epoch %d", run.ID, node.ID, tr.park.reason, resumeAt.Format(time.RFC3339), run.AttemptEpoch)
			return errors.Wrap(tx.UpdateExecution(*run), "update execution")
		}

		if err := tx.AppendHistory(e.entry(run, node, tr.outcome, errorText(tr.fail), now)); err != nil {
			return errors.Wrap(err, "append history")
		}
		switch {
		case tr.fail != nil:
			e.finish(run, models.FailedRunStatus, tr.fail.Error(), now)
			e.logger.Errorf("Execution %s failed at node %s: %v", run.ID, node.ID, tr.fail)
		case tr.next == "":
			e.finish(run, models.CompletedRunStatus, "", now)
			e.logger.Infof("Execution %s completed at node %s", run.ID, node.ID)
		default:
			if tr.settled {
				run.LastDispatchNodeID = ""
			}
			e.moveTo(run, tr.next, now)
			e.logger.Infof("Execution %s: %s -[%s]-> %s", run.ID, node.ID, tr.outcome, tr.next)
			if reason := e.guard(run); reason != "" {
				fatal := &EngineFatal{ExecutionID: run.ID, NodeID: run.CurrentNodeID, Reason: reason}
				guarded := models.Node{ID: run.CurrentNodeID}
				if err := tx.AppendHistory(e.entry(run, guarded, models.FailedOutcome, fatal.Error(), now)); err != nil {
					return errors.Wrap(err, "append history")
				}
				e.finish(run, models.FailedRunStatus, fatal.Error(), now)
				e.logger.Errorf("Execution %s stopped: %v", run.ID, fatal)
			}
		}
		if err := tx.UpdateExecution(*run); err != nil {
			return errors.Wrap(err, "update execution")
		}
		return e.countTerminal(tx, run)
	})
}

func (e *Engine) moveTo(run *models.WorkflowExecution, next string, now time.Time) {
	run.CurrentNodeID = next
	run.Transitions++
	if run.Visits == nil {
		run.Visits = map[string]int{}
	}
	run.Visits[next]++
	run.Status = models.RunningRunStatus
	run.WaitReason = models.NoWait
	run.ResumeAt = nil
	run.NodeEnteredAt = &now
	run.UpdatedAt = now
	e.telemetry.transition()
}

// guard enforces the loop limits and returns a reason when one is exceeded.
func (e *Engine) guard(run *models.WorkflowExecution) string {
	if run.Transitions > e.cfg.MaxTransitions {
		return fmt.Sprintf("transition limit of %d exceeded", e.cfg.MaxTransitions)
	}
	if e.cfg.MaxNodeVisits > 0 && run.Visits[run.CurrentNodeID] > e.cfg.MaxNodeVisits {
		return fmt.Sprintf("node visited more than %d times", e.cfg.MaxNodeVisits)
	}
	return ""
}

func (e *Engine) countTerminal(tx storage.Store, run *models.WorkflowExecution) error {
	var counter models.RunCounter
	switch run.Status {
	case models.CompletedRunStatus:
		counter = models.RunsCompletedCounter
	case models.FailedRunStatus:
		counter = models.RunsFailedCounter
	default:
		return nil
	}
	e.telemetry.finished(run.Status)
	return errors.Wrap(tx.IncrementRunCounter(run.WorkflowID, counter), "increment run counter")
}

// failRun marks the run failed outside the normal transition path. Used when
// driving panicked.
func (e *Engine) failRun(run *models.WorkflowExecution, reason string) error {
	now := e.now()
	return e.inTx(func(tx storage.Store) error {
		current, err := tx.GetExecution(run.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}
		entry := e.entry(&current, models.Node{ID: current.CurrentNodeID}, models.FailedOutcome, reason, now)
		if err := tx.AppendHistory(entry); err != nil {
			return err
		}
		e.finish(&current, models.FailedRunStatus, reason, now)
		if err := tx.UpdateExecution(current); err != nil {
			return err
		}
		*run = current
		return e.countTerminal(tx, &current)
	})
}
