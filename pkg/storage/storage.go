package storage

import (
	"time"

	"github.com/ignatij/leadflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveRunExists is returned when a lead already has a non-terminal
	// run of the same workflow.
	ErrActiveRunExists = errors.New("lead already has an active run of this workflow")
)

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	LeadID     string
	Statuses   []models.RunStatus
	Limit      int
}

// Store defines the storage operations for the workflow engine. Begin returns
// a Store bound to a transaction; Commit and Rollback are only valid on it.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Definition operations
	SaveDefinition(def models.WorkflowDefinition) error
	GetDefinition(id string) (models.WorkflowDefinition, error)
	ListDefinitions(organizationID string) ([]models.WorkflowDefinition, error)
	ListActiveDefinitions(organizationID string, trigger models.TriggerType) ([]models.WorkflowDefinition, error)
	SetDefinitionActive(id string, active bool) error
	IncrementRunCounter(id string, counter models.RunCounter) error

	// Execution operations
	CreateExecution(run models.WorkflowExecution) error
	GetExecution(id string) (models.WorkflowExecution, error)
	UpdateExecution(run models.WorkflowExecution) error
	FindWaitingExecutions(leadID string) ([]models.WorkflowExecution, error)
	ListExecutions(filter ExecutionFilter) ([]models.WorkflowExecution, error)
	ListStalledExecutions(now time.Time, limit int) ([]models.WorkflowExecution, error)

	// Lease operations. AcquireLease succeeds when the lease is free, expired
	// or already held by owner. RenewLease only extends a lease still held by
	// owner, even an expired one nobody has taken over.
	AcquireLease(executionID, owner string, now time.Time, ttl time.Duration) (bool, error)
	RenewLease(executionID, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(executionID, owner string) error

	// History operations
	AppendHistory(entry models.HistoryEntry) error
	GetHistory(executionID string) ([]models.HistoryEntry, error)

	// Job operations. ClaimDueJobs hands out pending jobs whose FireAt has
	// passed, and claimed jobs whose claim expired.
	EnqueueJob(job models.ScheduledJob) error
	ClaimDueJobs(owner string, now time.Time, ttl time.Duration, limit int) ([]models.ScheduledJob, error)
	CompleteJob(id string) error
	ReleaseJob(id, errMsg string, retryAt time.Time) error
	CancelJobs(executionID string, uptoEpoch int64) (int, error)

	// Dispatch ledger operations
	GetDispatch(key string) (models.DispatchRecord, error)
	SaveDispatch(rec models.DispatchRecord) error
}
