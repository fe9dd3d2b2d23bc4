package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookDispatcher calls before ahead of each dispatch it forwards.
type hookDispatcher struct {
	next   service.Dispatcher
	before func(req dispatch.Request)
}

func (h hookDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	if h.before != nil {
		h.before(req)
	}
	return h.next.Dispatch(ctx, req)
}

func TestEngine_LeaseOutlivesTTL(t *testing.T) {
	var (
		e         *env
		recovered int
		recErr    error
	)
	e = newEnvWith(t, service.EngineConfig{}, func(d service.Dispatcher) service.Dispatcher {
		return hookDispatcher{next: d, before: func(req dispatch.Request) {
			if req.Node.ID != "wa1" {
				return
			}
			// a slow provider call outlasts the lease TTL
			e.clock.Advance(3 * time.Minute)
			recovered, recErr = e.engine.RecoverStalled(context.Background(), 10)
		}}
	})
	require.True(t, e.engine.Config().LeaseTTL < 3*time.Minute)
	e.install(t, nurture())

	run := startOne(t, e)
	require.NoError(t, recErr)
	assert.Zero(t, recovered, "a run being driven is not stalled")
	assert.Equal(t, models.WaitingRunStatus, run.Status)
	assert.Equal(t, "cond1", run.CurrentNodeID)
	assert.Len(t, e.msg.Messages(), 1)
}

func TestEngine_LostLeaseStopsDrive(t *testing.T) {
	ctx := context.Background()
	var (
		e      *env
		stolen bool
	)
	e = newEnvWith(t, service.EngineConfig{}, func(d service.Dispatcher) service.Dispatcher {
		return hookDispatcher{next: d, before: func(req dispatch.Request) {
			if stolen || req.Node.ID != "wa1" {
				return
			}
			stolen = true
			e.clock.Advance(10 * time.Minute)
			ok, err := e.store.AcquireLease(req.ExecutionID, "intruder", e.clock.Now(), time.Minute)
			require.NoError(t, err)
			require.True(t, ok, "lease expired during the send")
		}}
	})
	def := e.install(t, nurture())

	run, err := e.engine.StartRun(ctx, def.ID, lead)
	require.ErrorIs(t, err, service.ErrLeaseLost)
	assert.Len(t, e.msg.Messages(), 1)
	nodes, _ := e.path(t, run.ID)
	assert.Equal(t, []string{"t"}, nodes, "nothing is committed after the lease is gone")
	stored := e.run(t, run.ID)
	assert.Equal(t, models.RunningRunStatus, stored.Status)
	assert.Equal(t, "wa1", stored.CurrentNodeID)

	// once the other lease lapses the run is recovered without a second send
	e.clock.Advance(2 * time.Minute)
	recovered, err := e.engine.RecoverStalled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Len(t, e.msg.Messages(), 1)
	assert.Equal(t, "cond1", e.run(t, run.ID).CurrentNodeID)
	nodes, _ = e.path(t, run.ID)
	assert.Equal(t, []string{"t", "wa1"}, nodes)
}

func TestEngine_TimerAndReplyRace(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		e := newEnv(t, service.EngineConfig{LeaseWait: 2 * time.Second})
		e.install(t, nurture())
		run := startOne(t, e)
		parked := e.run(t, run.ID)
		token := e.msg.Messages()[0].CorrelationID
		e.clock.Advance(24*time.Hour + time.Second)

		var (
			wg               sync.WaitGroup
			jobErr, eventErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			jobErr = e.engine.HandleJob(ctx, models.ScheduledJob{
				ID: "timeout", Type: models.ConditionTimeoutJob, ExecutionID: run.ID,
				NodeID: "cond1", Epoch: parked.AttemptEpoch, FireAt: *parked.ResumeAt,
			})
		}()
		go func() {
			defer wg.Done()
			eventErr = e.engine.HandleExternalEvent(ctx, models.ExternalEvent{
				Type: models.InboundReplyEvent, CorrelationID: token,
				Fields: map[string]any{"response": "yes"},
			})
		}()
		wg.Wait()
		require.NoError(t, jobErr)

		final := e.run(t, run.ID)
		nodes, _ := e.path(t, run.ID)
		if eventErr == nil {
			// the reply won and the timer found the run finished
			assert.Equal(t, models.CompletedRunStatus, final.Status)
			assert.Equal(t, []string{"t", "wa1", "cond1", "engaged"}, nodes)
			assert.Len(t, e.msg.Messages(), 1)
			continue
		}
		// the timer won and the reply belongs to a superseded dispatch
		require.ErrorIs(t, eventErr, service.ErrCorrelationMiss)
		assert.Equal(t, "cond2", final.CurrentNodeID)
		assert.Equal(t, []string{"t", "wa1", "cond1", "wa2"}, nodes)
		assert.NotContains(t, final.Context, "response")
		assert.Len(t, e.msg.Messages(), 2)
	}
}
