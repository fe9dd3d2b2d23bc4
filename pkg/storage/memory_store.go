package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/leadflow/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements storage.Store in process memory. It is shared by all
// "transactions": Begin returns the store itself and Commit/Rollback are
// no-ops, so a rolled back transaction keeps its writes.
type memoryStore struct {
	mu          sync.Mutex
	definitions map[string]models.WorkflowDefinition
	defOrder    []string
	executions  map[string]models.WorkflowExecution
	history     map[string][]models.HistoryEntry
	jobs        map[string]models.ScheduledJob
	jobOrder    []string
	dispatches  map[string]models.DispatchRecord
}

func NewMemoryStore() Store {
	return &memoryStore{
		definitions: make(map[string]models.WorkflowDefinition),
		executions:  make(map[string]models.WorkflowExecution),
		history:     make(map[string][]models.HistoryEntry),
		jobs:        make(map[string]models.ScheduledJob),
		dispatches:  make(map[string]models.DispatchRecord),
	}
}

func (m *memoryStore) Begin() (Store, error) {
	return m, nil
}

func (m *memoryStore) Commit() error   { return nil }
func (m *memoryStore) Rollback() error { return nil }
func (m *memoryStore) Close() error    { return nil }

func copyDefinition(d models.WorkflowDefinition) models.WorkflowDefinition {
	d.Nodes = append([]models.Node(nil), d.Nodes...)
	d.Edges = append([]models.Edge(nil), d.Edges...)
	return d
}

func (m *memoryStore) SaveDefinition(def models.WorkflowDefinition) error {
	if def.ID == "" {
		return errors.New("definition without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.definitions[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
		def.RunsStarted = existing.RunsStarted
		def.RunsCompleted = existing.RunsCompleted
		def.RunsFailed = existing.RunsFailed
	} else {
		m.defOrder = append(m.defOrder, def.ID)
		if def.CreatedAt.IsZero() {
			def.CreatedAt = now
		}
	}
	def.UpdatedAt = now
	m.definitions[def.ID] = copyDefinition(def)
	return nil
}

func (m *memoryStore) GetDefinition(id string) (models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok {
		return models.WorkflowDefinition{}, ErrNotFound
	}
	return copyDefinition(def), nil
}

func (m *memoryStore) ListDefinitions(organizationID string) ([]models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.WorkflowDefinition{}
	for _, id := range m.defOrder {
		def := m.definitions[id]
		if organizationID == "" || def.OrganizationID == organizationID {
			out = append(out, copyDefinition(def))
		}
	}
	return out, nil
}

func (m *memoryStore) ListActiveDefinitions(organizationID string, trigger models.TriggerType) ([]models.WorkflowDefinition, error) {
	all, _ := m.ListDefinitions(organizationID)
	out := []models.WorkflowDefinition{}
	for _, def := range all {
		if def.IsActive && def.TriggerType == trigger {
			out = append(out, def)
		}
	}
	return out, nil
}

func (m *memoryStore) SetDefinitionActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok {
		return ErrNotFound
	}
	def.IsActive = active
	def.UpdatedAt = time.Now()
	m.definitions[id] = def
	return nil
}

func (m *memoryStore) IncrementRunCounter(id string, counter models.RunCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok {
		return ErrNotFound
	}
	switch counter {
	case models.RunsStartedCounter:
		def.RunsStarted++
	case models.RunsCompletedCounter:
		def.RunsCompleted++
	case models.RunsFailedCounter:
		def.RunsFailed++
	default:
		return errors.Errorf("unknown counter %q", counter)
	}
	m.definitions[id] = def
	return nil
}

func (m *memoryStore) CreateExecution(run models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.executions[run.ID]; dup {
		return errors.Errorf("execution %s already exists", run.ID)
	}
	for _, other := range m.executions {
		if other.WorkflowID == run.WorkflowID && other.LeadID == run.LeadID && !other.Status.Terminal() {
			return ErrActiveRunExists
		}
	}
	m.executions[run.ID] = run.Clone()
	return nil
}

func (m *memoryStore) GetExecution(id string) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.executions[id]
	if !ok {
		return models.WorkflowExecution{}, ErrNotFound
	}
	return run.Clone(), nil
}

// UpdateExecution replaces the persisted run except for its lease.
func (m *memoryStore) UpdateExecution(run models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.executions[run.ID]
	if !ok {
		return ErrNotFound
	}
	run = run.Clone()
	run.LeaseOwner, run.LeaseUntil = existing.LeaseOwner, existing.LeaseUntil
	run.CreatedAt = existing.CreatedAt
	m.executions[run.ID] = run
	return nil
}

func (m *memoryStore) sortedExecutions(keep func(models.WorkflowExecution) bool) []models.WorkflowExecution {
	out := []models.WorkflowExecution{}
	for _, run := range m.executions {
		if keep(run) {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *memoryStore) FindWaitingExecutions(leadID string) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedExecutions(func(r models.WorkflowExecution) bool {
		return r.LeadID == leadID && r.Status == models.WaitingRunStatus
	}), nil
}

func (m *memoryStore) ListExecutions(filter ExecutionFilter) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedExecutions(func(r models.WorkflowExecution) bool {
		if filter.WorkflowID != "" && r.WorkflowID != filter.WorkflowID {
			return false
		}
		if filter.LeadID != "" && r.LeadID != filter.LeadID {
			return false
		}
		if len(filter.Statuses) == 0 {
			return true
		}
		for _, s := range filter.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryStore) ListStalledExecutions(now time.Time, limit int) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedExecutions(func(r models.WorkflowExecution) bool {
		return r.Status == models.RunningRunStatus && (r.LeaseUntil == nil || r.LeaseUntil.Before(now))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) AcquireLease(executionID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.executions[executionID]
	if !ok {
		return false, ErrNotFound
	}
	if run.LeaseOwner != "" && run.LeaseOwner != owner && run.LeaseUntil != nil && run.LeaseUntil.After(now) {
		return false, nil
	}
	until := now.Add(ttl)
	run.LeaseOwner, run.LeaseUntil = owner, &until
	m.executions[executionID] = run
	return true, nil
}

func (m *memoryStore) RenewLease(executionID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.executions[executionID]
	if !ok || run.LeaseOwner != owner {
		return false, nil
	}
	until := now.Add(ttl)
	run.LeaseUntil = &until
	m.executions[executionID] = run
	return true, nil
}

func (m *memoryStore) ReleaseLease(executionID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if run.LeaseOwner == owner {
		run.LeaseOwner, run.LeaseUntil = "", nil
		m.executions[executionID] = run
	}
	return nil
}

func (m *memoryStore) AppendHistory(entry models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.history[entry.ExecutionID] {
		if e.Seq == entry.Seq {
			return errors.Errorf("history entry %d of execution %s already exists", entry.Seq, entry.ExecutionID)
		}
	}
	m.history[entry.ExecutionID] = append(m.history[entry.ExecutionID], entry)
	return nil
}

func (m *memoryStore) GetHistory(executionID string) ([]models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.HistoryEntry{}, m.history[executionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memoryStore) EnqueueJob(job models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[job.ID]; dup {
		return errors.Errorf("job %s already exists", job.ID)
	}
	if job.Status == "" {
		job.Status = models.PendingJobStatus
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	m.jobs[job.ID] = job
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *memoryStore) ClaimDueJobs(owner string, now time.Time, ttl time.Duration, limit int) ([]models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.ScheduledJob
	for _, id := range m.jobOrder {
		job := m.jobs[id]
		switch {
		case job.Status == models.PendingJobStatus && !job.FireAt.After(now):
		case job.Status == models.ClaimedJobStatus && job.ClaimUntil != nil && job.ClaimUntil.Before(now):
		default:
			continue
		}
		due = append(due, job)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(ttl)
	for i := range due {
		due[i].Status = models.ClaimedJobStatus
		due[i].ClaimOwner = owner
		due[i].ClaimUntil = &until
		due[i].Attempts++
		m.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *memoryStore) CompleteJob(id string) error {
	return m.setJob(id, func(j *models.ScheduledJob) {
		j.Status = models.DoneJobStatus
		j.ClaimUntil = nil
	})
}

func (m *memoryStore) ReleaseJob(id, errMsg string, retryAt time.Time) error {
	return m.setJob(id, func(j *models.ScheduledJob) {
		if j.Status != models.ClaimedJobStatus {
			return
		}
		j.Status = models.PendingJobStatus
		j.FireAt = retryAt
		j.ClaimOwner, j.ClaimUntil = "", nil
		j.LastError = errMsg
	})
}

func (m *memoryStore) setJob(id string, fn func(*models.ScheduledJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&job)
	m.jobs[id] = job
	return nil
}

func (m *memoryStore) CancelJobs(executionID string, uptoEpoch int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, job := range m.jobs {
		if job.ExecutionID != executionID || job.Epoch > uptoEpoch {
			continue
		}
		if job.Status == models.PendingJobStatus || job.Status == models.ClaimedJobStatus {
			job.Status = models.CancelledJobStatus
			m.jobs[id] = job
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) GetDispatch(key string) (models.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dispatches[key]
	if !ok {
		return models.DispatchRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memoryStore) SaveDispatch(rec models.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.dispatches[rec.Key]; dup {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.dispatches[rec.Key] = rec
	return nil
}
