package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for Engine and Scheduler
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Dispatcher performs action nodes. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

var (
	// ErrCorrelationMiss means an event matched no waiting run, or a stale one.
	// It is logged and dropped; callers should not report it as a failure.
	ErrCorrelationMiss = errors.New("correlation miss")
	// ErrRunBusy means another driver holds the run's lease.
	ErrRunBusy = errors.New("run is being advanced by another worker")
	// ErrLeaseLost means the lease expired and was taken over mid-drive.
	ErrLeaseLost = errors.New("lease on run was lost")
	// ErrWorkflowInactive is returned when starting a run of an inactive definition.
	ErrWorkflowInactive = errors.New("workflow is not active")
	// ErrRunFinished is returned when cancelling a run in a terminal state.
	ErrRunFinished = errors.New("run already finished")
)

// EngineFatal marks a run failed because it cannot continue: no edge
// resolves, the persisted state is corrupt or a guard was exceeded.
type EngineFatal struct {
	ExecutionID string
	NodeID      string
	Reason      string
}

func (e *EngineFatal) Error() string {
	return fmt.Sprintf("execution %s at node %s: %s", e.ExecutionID, e.NodeID, e.Reason)
}

const (
	DefaultMaxTransitions         = 500
	DefaultDispatchMaxAttempts    = 4
	DefaultDispatchInitialBackoff = 500 * time.Millisecond
	DefaultDispatchMaxBackoff     = 10 * time.Second
	DefaultDispatchTimeout        = 30 * time.Second
	DefaultLeaseTTL               = 2 * time.Minute
	DefaultLeaseWait              = 3 * time.Second
	leaseRetryInterval            = 25 * time.Millisecond
)

// EngineConfig tunes the engine. Zero values take the defaults above;
// MaxNodeVisits zero means per-node visits are not limited.
type EngineConfig struct {
	MaxTransitions         int
	MaxNodeVisits          int
	DispatchMaxAttempts    int
	DispatchInitialBackoff time.Duration
	DispatchMaxBackoff     time.Duration
	DispatchTimeout        time.Duration // bounds one dispatch attempt
	LeaseTTL               time.Duration
	LeaseWait              time.Duration
	// InstanceID prefixes lease owners; defaults to a random id.
	InstanceID string
}

func (c EngineConfig) normalized() EngineConfig {
	if c.MaxTransitions <= 0 {
		c.MaxTransitions = DefaultMaxTransitions
	}
	if c.MaxNodeVisits < 0 {
		c.MaxNodeVisits = 0
	}
	if c.DispatchMaxAttempts <= 0 {
		c.DispatchMaxAttempts = DefaultDispatchMaxAttempts
	}
	if c.DispatchInitialBackoff <= 0 {
		c.DispatchInitialBackoff = DefaultDispatchInitialBackoff
	}
	if c.DispatchMaxBackoff < c.DispatchInitialBackoff {
		c.DispatchMaxBackoff = DefaultDispatchMaxBackoff
		if c.DispatchMaxBackoff < c.DispatchInitialBackoff {
			c.DispatchMaxBackoff = c.DispatchInitialBackoff
		}
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = DefaultLeaseWait
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// Engine advances runs through their workflow graphs. All position lives in
// the store; an Engine holds no per-run state between calls and several
// engines may share one store.
type Engine struct {
	store      storage.Store
	dispatcher Dispatcher
	leads      dispatch.LeadStore
	logger     Logger
	cfg        EngineConfig
	now        func() time.Time
	telemetry  *telemetry
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLeadStore seeds new runs with the lead's attributes.
func WithLeadStore(leads dispatch.LeadStore) Option {
	return func(e *Engine) { e.leads = leads }
}

// WithConfig sets the engine configuration.
func WithConfig(cfg EngineConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func NewEngine(store storage.Store, dispatcher Dispatcher, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.normalized()
	e.telemetry = newTelemetry()
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Store returns the underlying store.
func (e *Engine) Store() storage.Store {
	return e.store
}

// inTx runs fn in a transaction, committing on success.
func (e *Engine) inTx(fn func(tx storage.Store) error) (err error) {
	tx, err := e.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit: %v", commitErr)
			err = errors.Wrap(commitErr, "commit")
		}
	}()
	return fn(tx)
}

// lease is a held per-run lock.
type lease struct {
	executionID string
	owner       string
}

func (e *Engine) newOwner() string {
	return e.cfg.InstanceID + ":" + uuid.NewString()
}

// acquire waits up to LeaseWait for the run's lease.
func (e *Engine) acquire(ctx context.Context, executionID string) (*lease, error) {
	owner := e.newOwner()
	deadline := time.Now().Add(e.cfg.LeaseWait)
	for {
		ok, err := e.store.AcquireLease(executionID, owner, e.now(), e.cfg.LeaseTTL)
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lease on %s", executionID)
		}
		if ok {
			return &lease{executionID: executionID, owner: owner}, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(ErrRunBusy, "execution %s", executionID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leaseRetryInterval):
		}
	}
}

// renew extends a held lease to hold from now. It fails with ErrLeaseLost
// when the lease is no longer ours.
func (e *Engine) renew(l *lease, hold time.Duration) error {
	if l == nil {
		return nil
	}
	ok, err := e.store.RenewLease(l.executionID, l.owner, e.now(), hold)
	if err != nil {
		return errors.Wrapf(err, "renew lease on %s", l.executionID)
	}
	if !ok {
		e.logger.Errorf("Lost lease on execution %s, stopping", l.executionID)
		return errors.Wrapf(ErrLeaseLost, "execution %s", l.executionID)
	}
	return nil
}

func (e *Engine) release(l *lease) {
	if l == nil {
		return
	}
	if err := e.store.ReleaseLease(l.executionID, l.owner); err != nil {
		e.logger.Errorf("Failed to release lease on execution %s: %v", l.executionID, err)
	}
}

// withRun acquires the lease, reloads the run and calls fn with both.
func (e *Engine) withRun(ctx context.Context, executionID string, fn func(run *models.WorkflowExecution, l *lease) error) error {
	l, err := e.acquire(ctx, executionID)
	if err != nil {
		return err
	}
	defer e.release(l)
	run, err := e.store.GetExecution(executionID)
	if err != nil {
		return errors.Wrapf(err, "load execution %s", executionID)
	}
	return fn(&run, l)
}
