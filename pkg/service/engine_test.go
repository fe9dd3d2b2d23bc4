package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/leadflow/internal/testutil"
	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/ignatij/leadflow/pkg/graph"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/service"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	org  = "org-1"
	lead = "lead-1"
)

type env struct {
	store  storage.Store
	clock  *testutil.Clock
	msg    *testutil.Messaging
	voice  *testutil.Voice
	leads  *testutil.Leads
	engine *service.Engine
	sched  *service.Scheduler
}

func newEnv(t *testing.T, cfg service.EngineConfig) *env {
	t.Helper()
	return newEnvWith(t, cfg, nil)
}

// newEnvWith is newEnv with the dispatcher wrapped by wrap.
func newEnvWith(t *testing.T, cfg service.EngineConfig, wrap func(service.Dispatcher) service.Dispatcher) *env {
	t.Helper()
	if cfg.DispatchInitialBackoff == 0 {
		cfg.DispatchInitialBackoff = time.Millisecond
		cfg.DispatchMaxBackoff = 2 * time.Millisecond
	}
	if cfg.LeaseWait == 0 {
		cfg.LeaseWait = 200 * time.Millisecond
	}
	e := &env{
		store: storage.NewMemoryStore(),
		clock: testutil.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		msg:   &testutil.Messaging{},
		voice: &testutil.Voice{},
		leads: testutil.NewLeads(),
	}
	e.leads.Put(lead, map[string]any{"name": "Ana", "phone": "+38970111222", "email": "ana@example.com"})
	var d service.Dispatcher = dispatch.New(dispatch.Deps{Messaging: e.msg, Voice: e.voice, Leads: e.leads})
	if wrap != nil {
		d = wrap(d)
	}
	e.engine = service.NewEngine(e.store, d, testutil.NopLogger{},
		service.WithClock(e.clock.Now),
		service.WithLeadStore(e.leads),
		service.WithConfig(cfg),
	)
	e.sched = service.NewScheduler(e.engine, testutil.NopLogger{}, service.SchedulerConfig{Workers: 1})
	return e
}

func (e *env) install(t *testing.T, def models.WorkflowDefinition) models.WorkflowDefinition {
	t.Helper()
	def.OrganizationID = org
	saved, err := e.engine.SaveDefinition(context.Background(), def)
	require.NoError(t, err)
	require.NoError(t, e.engine.Activate(context.Background(), saved.ID))
	return saved
}

// fire advances the clock and processes whatever jobs became due.
func (e *env) fire(d time.Duration) int {
	e.clock.Advance(d)
	return e.sched.Poll()
}

func (e *env) run(t *testing.T, id string) models.WorkflowExecution {
	t.Helper()
	run, err := e.engine.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func (e *env) path(t *testing.T, id string) ([]string, []string) {
	t.Helper()
	h, err := e.engine.GetRunHistory(context.Background(), id)
	require.NoError(t, err)
	var nodes, outcomes []string
	for _, entry := range h.Entries {
		nodes = append(nodes, entry.NodeID)
		outcomes = append(outcomes, entry.Outcome)
	}
	return nodes, outcomes
}

func n(id string, cat models.NodeCategory, typ string, config map[string]any) models.Node {
	return models.Node{ID: id, Category: cat, Type: typ, Config: config}
}

func link(src, dst, handle string) models.Edge {
	return models.Edge{ID: src + ">" + dst + ":" + handle, Source: src, Target: dst, SourceHandle: handle}
}

func waitFor(field string, hours int) map[string]any {
	return map[string]any{
		"field": field, "operator": "!=", "value": "none",
		"timeout": map[string]any{"duration": hours, "unit": "h"},
	}
}

// nurture is the default sequence: two messages, an AI call, then a brochure
// for interested leads.
func nurture() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name: "New lead nurture",
		Nodes: []models.Node{
			n("t", models.TriggerCategory, models.LeadCreatedNodeType, nil),
			n("wa1", models.ActionCategory, models.WhatsAppNodeType, map[string]any{"template": "intro", "body": "Hi {{name}}"}),
			n("cond1", models.ConditionCategory, "", waitFor("response", 24)),
			n("wa2", models.ActionCategory, models.WhatsAppNodeType, map[string]any{"template": "followup"}),
			n("cond2", models.ConditionCategory, "", waitFor("response", 48)),
			n("call", models.ActionCategory, models.AICallNodeType, map[string]any{"script": "qualify {{name}}"}),
			n("cond3", models.ConditionCategory, "", map[string]any{
				"field": "callOutcome", "operator": "in", "value": []any{"interested", "wants_brochure"},
				"timeout": map[string]any{"duration": 2, "unit": "h"},
			}),
			n("brochure", models.ActionCategory, models.EmailNodeType, map[string]any{"template": "brochure"}),
			n("engaged", models.ActionCategory, models.UpdateStatusNodeType, map[string]any{"status": "engaged"}),
		},
		Edges: []models.Edge{
			link("t", "wa1", ""),
			link("wa1", "cond1", ""),
			link("cond1", "engaged", "yes"),
			link("cond1", "wa2", "no"),
			link("wa2", "cond2", ""),
			link("cond2", "engaged", "yes"),
			link("cond2", "call", "no"),
			link("call", "cond3", ""),
			link("cond3", "brochure", "yes"),
			link("cond3", "engaged", "no"),
		},
	}
}

func startOne(t *testing.T, e *env) models.WorkflowExecution {
	t.Helper()
	runs, err := e.engine.HandleLeadCreated(context.Background(), org, lead, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestEngine_EndToEndNurture(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	require.NoError(t, graph.Validate(nurture()))
	def := e.install(t, nurture())
	ctx := context.Background()

	run := startOne(t, e)
	assert.Equal(t, models.WaitingRunStatus, run.Status)
	assert.Equal(t, "cond1", run.CurrentNodeID)
	require.Len(t, e.msg.Messages(), 1)
	assert.Equal(t, "Hi Ana", e.msg.Messages()[0].Payload["body"])

	// no reply within 24h
	assert.Equal(t, 1, e.fire(24*time.Hour+time.Minute))
	assert.Equal(t, "cond2", e.run(t, run.ID).CurrentNodeID)
	require.Len(t, e.msg.Messages(), 2)

	// still nothing after another 48h
	assert.Equal(t, 1, e.fire(48*time.Hour+time.Minute))
	calls := e.voice.CallLog()
	require.Len(t, calls, 1)
	assert.Equal(t, "qualify Ana", calls[0].Script)
	assert.Equal(t, "cond3", e.run(t, run.ID).CurrentNodeID)

	err := e.engine.HandleExternalEvent(ctx, models.ExternalEvent{
		Type:          models.CallOutcomeEvent,
		CorrelationID: calls[0].CorrelationID,
		Fields:        map[string]any{"callOutcome": "interested"},
	})
	require.NoError(t, err)

	final := e.run(t, run.ID)
	assert.Equal(t, models.CompletedRunStatus, final.Status)
	require.Len(t, e.msg.Messages(), 3)
	assert.Equal(t, "email", e.msg.Messages()[2].Channel)

	nodes, outcomes := e.path(t, run.ID)
	assert.Equal(t, []string{"t", "wa1", "cond1", "wa2", "cond2", "call", "cond3", "brochure"}, nodes)
	assert.Equal(t, []string{"triggered", "dispatched", "timeout", "dispatched", "timeout", "dispatched", "yes", "dispatched"}, outcomes)

	// the cond3 timeout job was cancelled; nothing fires later
	assert.Equal(t, 0, e.fire(3*time.Hour))
	nodesAfter, _ := e.path(t, run.ID)
	assert.Equal(t, nodes, nodesAfter)

	saved, err := e.engine.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.RunsStarted)
	assert.Equal(t, int64(1), saved.RunsCompleted)
}

func TestEngine_ReplyTakesYesBranch(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	e.install(t, nurture())
	run := startOne(t, e)

	token := e.msg.Messages()[0].CorrelationID
	require.NoError(t, e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{
		Type:          models.InboundReplyEvent,
		CorrelationID: token,
		Fields:        map[string]any{"response": "yes please"},
	}))

	final := e.run(t, run.ID)
	assert.Equal(t, models.CompletedRunStatus, final.Status)
	assert.Equal(t, "engaged", e.leads.Field(lead, "status"))
	assert.Equal(t, "yes please", final.Context["response"])
	nodes, outcomes := e.path(t, run.ID)
	assert.Equal(t, []string{"t", "wa1", "cond1", "engaged"}, nodes)
	assert.Equal(t, "yes", outcomes[2])

	assert.Equal(t, 0, e.fire(25*time.Hour))
	assert.Len(t, e.msg.Messages(), 1)
}

func TestEngine_TimeoutEventRace(t *testing.T) {
	t.Run("TimeoutFirstDropsLateReply", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{})
		e.install(t, nurture())
		run := startOne(t, e)
		token := e.msg.Messages()[0].CorrelationID

		assert.Equal(t, 1, e.fire(24*time.Hour+time.Second))
		err := e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{
			Type:          models.InboundReplyEvent,
			CorrelationID: token,
			Fields:        map[string]any{"response": "sorry, late"},
		})
		assert.ErrorIs(t, err, service.ErrCorrelationMiss)

		current := e.run(t, run.ID)
		assert.Equal(t, "cond2", current.CurrentNodeID)
		assert.NotContains(t, current.Context, "response")
		assert.Len(t, e.msg.Messages(), 2)
	})

	t.Run("ReplyFirstDropsTimer", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{})
		e.install(t, nurture())
		run := startOne(t, e)
		parked := e.run(t, run.ID)

		require.NoError(t, e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{
			Type:          models.ButtonClickEvent,
			CorrelationID: e.msg.Messages()[0].CorrelationID,
			Fields:        map[string]any{"response": "interested"},
		}))
		before, _ := e.path(t, run.ID)

		// the same timer delivered late, as an at-least-once queue may do
		err := e.engine.HandleJob(context.Background(), models.ScheduledJob{
			ID: "late", Type: models.ConditionTimeoutJob, ExecutionID: run.ID,
			NodeID: "cond1", Epoch: parked.AttemptEpoch, FireAt: *parked.ResumeAt,
		})
		require.NoError(t, err)
		after, _ := e.path(t, run.ID)
		assert.Equal(t, before, after)
		assert.Len(t, e.msg.Messages(), 1)
	})
}

func TestEngine_IdempotentRedelivery(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	e.install(t, nurture())
	run := startOne(t, e)
	parked := e.run(t, run.ID)
	job := models.ScheduledJob{
		ID: "j", Type: models.ConditionTimeoutJob, ExecutionID: run.ID,
		NodeID: "cond1", Epoch: parked.AttemptEpoch,
	}

	e.clock.Advance(25 * time.Hour)
	require.NoError(t, e.engine.HandleJob(context.Background(), job))
	require.NoError(t, e.engine.HandleJob(context.Background(), job))
	assert.Equal(t, 1, e.sched.Poll(), "the original queued job is still delivered")

	nodes, _ := e.path(t, run.ID)
	assert.Equal(t, []string{"t", "wa1", "cond1", "wa2"}, nodes)
	assert.Len(t, e.msg.Messages(), 2)

	t.Run("DuplicateEvent", func(t *testing.T) {
		token := e.msg.Messages()[1].CorrelationID
		reply := models.ExternalEvent{Type: models.InboundReplyEvent, CorrelationID: token, Fields: map[string]any{"response": "ok"}}
		require.NoError(t, e.engine.HandleExternalEvent(context.Background(), reply))
		assert.ErrorIs(t, e.engine.HandleExternalEvent(context.Background(), reply), service.ErrCorrelationMiss)
		nodes, _ := e.path(t, run.ID)
		assert.Equal(t, []string{"t", "wa1", "cond1", "wa2", "cond2", "engaged"}, nodes)
	})
}

func TestEngine_UnrelatedEventKeepsDeadline(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	e.install(t, nurture())
	run := startOne(t, e)
	parked := e.run(t, run.ID)
	token := e.msg.Messages()[0].CorrelationID

	e.clock.Advance(time.Hour)
	require.NoError(t, e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{
		Type: models.GenericEvent, CorrelationID: token, Fields: map[string]any{"opened": true},
	}))
	still := e.run(t, run.ID)
	assert.Equal(t, models.WaitingRunStatus, still.Status)
	assert.Equal(t, "cond1", still.CurrentNodeID)
	assert.Equal(t, *parked.ResumeAt, *still.ResumeAt)
	assert.Equal(t, true, still.Context["opened"])

	// the original dispatch token is still honoured
	require.NoError(t, e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{
		Type: models.InboundReplyEvent, CorrelationID: token, Fields: map[string]any{"response": "hello"},
	}))
	assert.Equal(t, models.CompletedRunStatus, e.run(t, run.ID).Status)
}

func TestEngine_CorrelationByLead(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	e.install(t, nurture())
	run := startOne(t, e)

	require.NoError(t, e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{
		Type: models.InboundReplyEvent, LeadID: lead, NodeID: "cond1",
		Fields: map[string]any{"response": "yes"},
	}))
	assert.Equal(t, models.CompletedRunStatus, e.run(t, run.ID).Status)

	err := e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{Type: models.InboundReplyEvent, LeadID: "nobody"})
	assert.ErrorIs(t, err, service.ErrCorrelationMiss)
	err = e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{CorrelationID: "%%%"})
	assert.ErrorIs(t, err, service.ErrCorrelationMiss)
}

func loop() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name: "reschedule",
		Nodes: []models.Node{
			n("t", models.TriggerCategory, models.LeadCreatedNodeType, nil),
			n("ask", models.ActionCategory, models.WhatsAppNodeType, map[string]any{"body": "Pick a slot"}),
			n("booked", models.ConditionCategory, "equals-condition", map[string]any{"field": "booked", "value": "yes"}),
			n("done", models.ActionCategory, models.UpdateStatusNodeType, map[string]any{"status": "booked"}),
		},
		Edges: []models.Edge{
			link("t", "ask", ""),
			link("ask", "booked", ""),
			link("booked", "done", "yes"),
			link("booked", "ask", "no"),
		},
	}
}

func TestEngine_LoopGuards(t *testing.T) {
	t.Run("TransitionLimit", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{MaxTransitions: 20})
		def := e.install(t, loop())
		run, err := e.engine.StartRun(context.Background(), def.ID, lead)
		require.NoError(t, err)

		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Contains(t, run.LastError, "transition limit of 20 exceeded")
		assert.Len(t, e.msg.Messages(), 10)
		nodes, outcomes := e.path(t, run.ID)
		assert.Equal(t, "ask", nodes[len(nodes)-1])
		assert.Equal(t, "failed", outcomes[len(outcomes)-1])
		assert.Equal(t, "no", outcomes[2])
	})

	t.Run("NodeVisitLimit", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{MaxNodeVisits: 3})
		def := e.install(t, loop())
		run, err := e.engine.StartRun(context.Background(), def.ID, lead)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Contains(t, run.LastError, "visited more than 3 times")
		assert.Len(t, e.msg.Messages(), 3)
	})

	t.Run("LoopExitsWhenBooked", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{})
		e.leads.Put(lead, map[string]any{"phone": "+1", "booked": "yes"})
		def := e.install(t, loop())
		run, err := e.engine.StartRun(context.Background(), def.ID, lead)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)
		assert.Equal(t, "booked", e.leads.Field(lead, "status"))
	})
}

func TestEngine_DispatchFailures(t *testing.T) {
	t.Run("TransientRetriedThenSucceeds", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{DispatchMaxAttempts: 4})
		e.install(t, nurture())
		e.msg.FailNext(errors.New("connection reset"), errors.New("i/o timeout"))
		run := startOne(t, e)
		assert.Equal(t, models.WaitingRunStatus, run.Status)
		assert.Equal(t, 3, e.msg.Attempts)
	})

	t.Run("TransientExhausted", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{DispatchMaxAttempts: 3})
		def := e.install(t, nurture())
		for i := 0; i < 5; i++ {
			e.msg.FailNext(dispatch.Transient(errors.New("503 from provider")))
		}
		run := startOne(t, e)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Equal(t, 3, e.msg.Attempts)
		h, err := e.engine.GetRunHistory(context.Background(), run.ID)
		require.NoError(t, err)
		last := h.Entries[len(h.Entries)-1]
		assert.Equal(t, "wa1", last.NodeID)
		assert.Equal(t, "failed", last.Outcome)
		assert.Contains(t, last.Error, "503 from provider")

		saved, _ := e.engine.GetDefinition(context.Background(), def.ID)
		assert.Equal(t, int64(1), saved.RunsFailed)
	})

	t.Run("PermanentFailsImmediately", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{})
		e.leads.Put(lead, map[string]any{"name": "No Phone"})
		e.install(t, nurture())
		run := startOne(t, e)
		assert.Equal(t, models.FailedRunStatus, run.Status)
		assert.Equal(t, 0, e.msg.Attempts)
		assert.Contains(t, run.LastError, "permanent")
	})
}

func TestEngine_DuplicateRunRejected(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	def := e.install(t, nurture())
	ctx := context.Background()

	first, err := e.engine.StartRun(ctx, def.ID, lead)
	require.NoError(t, err)
	_, err = e.engine.StartRun(ctx, def.ID, lead)
	assert.ErrorIs(t, err, storage.ErrActiveRunExists)

	runs, err := e.engine.HandleLeadCreated(ctx, org, lead, nil)
	assert.NoError(t, err)
	assert.Empty(t, runs)

	_, err = e.engine.CancelRun(ctx, first.ID, "")
	require.NoError(t, err)
	_, err = e.engine.StartRun(ctx, def.ID, lead)
	assert.NoError(t, err)
}

func TestEngine_Deactivate(t *testing.T) {
	t.Run("InFlightRunsContinue", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{})
		def := e.install(t, nurture())
		run := startOne(t, e)

		cancelled, err := e.engine.Deactivate(context.Background(), def.ID, false)
		require.NoError(t, err)
		assert.Zero(t, cancelled)
		_, err = e.engine.StartRun(context.Background(), def.ID, lead)
		assert.ErrorIs(t, err, service.ErrWorkflowInactive)

		assert.Equal(t, 1, e.fire(25*time.Hour))
		assert.Equal(t, "cond2", e.run(t, run.ID).CurrentNodeID)
	})

	t.Run("CancelInFlight", func(t *testing.T) {
		e := newEnv(t, service.EngineConfig{})
		def := e.install(t, nurture())
		run := startOne(t, e)

		count, err := e.engine.Deactivate(context.Background(), def.ID, true)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		cancelled := e.run(t, run.ID)
		assert.Equal(t, models.CancelledRunStatus, cancelled.Status)
		assert.Equal(t, "workflow deactivated", cancelled.LastError)
		_, outcomes := e.path(t, run.ID)
		assert.Equal(t, "cancelled", outcomes[len(outcomes)-1])
		assert.Equal(t, 0, e.fire(25*time.Hour))

		_, err = e.engine.CancelRun(context.Background(), run.ID, "again")
		assert.ErrorIs(t, err, service.ErrRunFinished)
	})
}

func TestEngine_Delay(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	def := e.install(t, models.WorkflowDefinition{
		Name: "delayed welcome",
		Nodes: []models.Node{
			n("t", models.TriggerCategory, models.LeadCreatedNodeType, nil),
			n("wait", models.DelayCategory, models.DelayNodeType, map[string]any{"duration": 2, "unit": "h"}),
			n("mail", models.ActionCategory, models.EmailNodeType, map[string]any{"subject": "Welcome {{name}}"}),
		},
		Edges: []models.Edge{link("t", "wait", ""), link("wait", "mail", "")},
	})
	run, err := e.engine.StartRun(context.Background(), def.ID, lead)
	require.NoError(t, err)
	assert.Equal(t, models.WaitingRunStatus, run.Status)
	assert.Equal(t, models.DelayWait, run.WaitReason)

	require.NoError(t, e.engine.HandleExternalEvent(context.Background(), models.ExternalEvent{
		Type: models.GenericEvent, ExecutionID: run.ID, Fields: map[string]any{"name": "Ana M."},
	}))
	assert.Equal(t, models.WaitingRunStatus, e.run(t, run.ID).Status)
	assert.Empty(t, e.msg.Messages())

	assert.Equal(t, 0, e.fire(time.Hour))
	assert.Equal(t, 1, e.fire(time.Hour))
	assert.Equal(t, models.CompletedRunStatus, e.run(t, run.ID).Status)
	require.Len(t, e.msg.Messages(), 1)
	assert.Equal(t, "Welcome Ana M.", e.msg.Messages()[0].Payload["subject"])
	_, outcomes := e.path(t, run.ID)
	assert.Equal(t, []string{"triggered", "elapsed", "dispatched"}, outcomes)
}

func TestEngine_ActivateValidates(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	def := nurture()
	def.Edges = def.Edges[:len(def.Edges)-1] // cond3 loses its "no" edge
	saved, err := e.engine.SaveDefinition(context.Background(), def)
	require.NoError(t, err)

	err = e.engine.Activate(context.Background(), saved.ID)
	var verr *graph.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Problems)

	_, err = e.engine.StartRun(context.Background(), saved.ID, lead)
	assert.ErrorIs(t, err, service.ErrWorkflowInactive)
}

func TestEngine_TriggerFilter(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	def := nurture()
	def.Nodes[0].Config = map[string]any{"field": "source", "operator": "equals", "value": "facebook"}
	e.install(t, def)

	runs, err := e.engine.HandleLeadCreated(context.Background(), org, lead, map[string]any{"source": "google", "phone": "+1"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = e.engine.HandleLeadCreated(context.Background(), org, lead, map[string]any{"source": "Facebook", "phone": "+1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEngine_RecoverStalled(t *testing.T) {
	e := newEnv(t, service.EngineConfig{})
	def := e.install(t, nurture())
	now := e.clock.Now()

	// a driver died after sending wa1 but before committing the transition
	crashed := models.WorkflowExecution{
		ID: "crashed", WorkflowID: def.ID, LeadID: lead, OrganizationID: org,
		CurrentNodeID: "wa1", Status: models.RunningRunStatus, Transitions: 1,
		Context: map[string]any{"phone": "+1"}, Visits: map[string]int{"t": 1, "wa1": 1},
		NodeEnteredAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateExecution(crashed))
	require.NoError(t, e.store.SaveDispatch(models.DispatchRecord{
		Key: "crashed:0:1:wa1", ExecutionID: "crashed", NodeID: "wa1",
		Result: map[string]any{"lastMessageId": "msg-before-crash"},
	}))

	recovered, err := e.engine.RecoverStalled(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	run := e.run(t, "crashed")

	assert.Equal(t, models.WaitingRunStatus, run.Status)
	assert.Equal(t, "cond1", run.CurrentNodeID)
	assert.Equal(t, "msg-before-crash", run.Context["lastMessageId"])
	assert.Empty(t, e.msg.Messages(), "recorded dispatch must not be sent again")
}

type panickingDispatcher struct{}

func (panickingDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	panic("provider client bug")
}

func TestEngine_PanicFailsOnlyThatRun(t *testing.T) {
	store := storage.NewMemoryStore()
	engine := service.NewEngine(store, panickingDispatcher{}, testutil.NopLogger{})
	def, err := engine.SaveDefinition(context.Background(), nurture())
	require.NoError(t, err)
	require.NoError(t, engine.Activate(context.Background(), def.ID))

	run, err := engine.StartRun(context.Background(), def.ID, lead)
	require.NoError(t, err)
	assert.Equal(t, models.FailedRunStatus, run.Status)
	assert.Contains(t, run.LastError, "panic: provider client bug")

	other, err := engine.StartRun(context.Background(), def.ID, "lead-2")
	require.NoError(t, err)
	assert.Equal(t, models.FailedRunStatus, other.Status)
}
