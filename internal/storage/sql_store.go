package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignatij/leadflow/migrations"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const activeLeadIndex = "idx_executions_active_lead"

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// SQLStore implements storage.Store on PostgreSQL or SQLite.
type SQLStore struct {
	db      DBInterface
	dialect dialect
}

// NewPostgresStore connects to PostgreSQL. The schema is managed by the
// migrations package.
func NewPostgresStore(connStr string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &SQLStore{db: db, dialect: postgresDialect}, nil
}

// NewSQLiteStore opens (creating if needed) the SQLite database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// a single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(migrations.SQLiteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply sqlite schema")
	}
	return &SQLStore{db: db, dialect: sqliteDialect}, nil
}

// DB returns the underlying connection pool, or nil inside a transaction.
func (s *SQLStore) DB() *sqlx.DB {
	db, _ := s.db.(*sqlx.DB)
	return db
}

func (s *SQLStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &SQLStore{db: tx, dialect: s.dialect}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *SQLStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *SQLStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *SQLStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *SQLStore) exec(query string, args ...interface{}) (int64, error) {
	res, err := s.db.Exec(s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) get(dest interface{}, query string, args ...interface{}) error {
	err := s.db.Get(dest, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (s *SQLStore) selectAll(dest interface{}, query string, args ...interface{}) error {
	return s.db.Select(dest, s.db.Rebind(query), args...)
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Definitions

type definitionRow struct {
	ID             string    `db:"id"`
	OrganizationID string    `db:"organization_id"`
	Name           string    `db:"name"`
	TriggerType    string    `db:"trigger_type"`
	Nodes          []byte    `db:"nodes"`
	Edges          []byte    `db:"edges"`
	IsActive       bool      `db:"is_active"`
	RunsStarted    int64     `db:"runs_started"`
	RunsCompleted  int64     `db:"runs_completed"`
	RunsFailed     int64     `db:"runs_failed"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

const definitionColumns = `id, organization_id, name, trigger_type, nodes, edges, is_active,
	runs_started, runs_completed, runs_failed, created_at, updated_at`

func (r definitionRow) model() (models.WorkflowDefinition, error) {
	def := models.WorkflowDefinition{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		TriggerType:    models.TriggerType(r.TriggerType),
		IsActive:       r.IsActive,
		RunsStarted:    r.RunsStarted,
		RunsCompleted:  r.RunsCompleted,
		RunsFailed:     r.RunsFailed,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := unmarshal(r.Nodes, &def.Nodes); err != nil {
		return def, errors.Wrapf(err, "decode nodes of workflow %s", r.ID)
	}
	if err := unmarshal(r.Edges, &def.Edges); err != nil {
		return def, errors.Wrapf(err, "decode edges of workflow %s", r.ID)
	}
	return def, nil
}

// SaveDefinition inserts or replaces a definition, keeping its counters.
func (s *SQLStore) SaveDefinition(def models.WorkflowDefinition) error {
	nodes, err := marshal(def.Nodes)
	if err != nil {
		return errors.Wrap(err, "encode nodes")
	}
	edges, err := marshal(def.Edges)
	if err != nil {
		return errors.Wrap(err, "encode edges")
	}
	now := time.Now().UTC()
	_, err = s.exec(`
		INSERT INTO workflow_definitions (id, organization_id, name, trigger_type, nodes, edges, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			trigger_type = excluded.trigger_type,
			nodes = excluded.nodes,
			edges = excluded.edges,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		def.ID, def.OrganizationID, def.Name, string(def.TriggerType), nodes, edges, def.IsActive, utc(def.CreatedAt), now)
	if err != nil {
		return errors.Wrapf(err, "save workflow %s", def.ID)
	}
	return nil
}

func (s *SQLStore) GetDefinition(id string) (models.WorkflowDefinition, error) {
	var row definitionRow
	if err := s.get(&row, "SELECT "+definitionColumns+" FROM workflow_definitions WHERE id = ?", id); err != nil {
		return models.WorkflowDefinition{}, err
	}
	return row.model()
}

func (s *SQLStore) listDefinitions(query string, args ...interface{}) ([]models.WorkflowDefinition, error) {
	rows := []definitionRow{}
	if err := s.selectAll(&rows, query, args...); err != nil {
		return nil, err
	}
	defs := make([]models.WorkflowDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := row.model()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *SQLStore) ListDefinitions(organizationID string) ([]models.WorkflowDefinition, error) {
	if organizationID == "" {
		return s.listDefinitions("SELECT " + definitionColumns + " FROM workflow_definitions ORDER BY created_at, id")
	}
	return s.listDefinitions("SELECT "+definitionColumns+" FROM workflow_definitions WHERE organization_id = ? ORDER BY created_at, id", organizationID)
}

func (s *SQLStore) ListActiveDefinitions(organizationID string, trigger models.TriggerType) ([]models.WorkflowDefinition, error) {
	query := "SELECT " + definitionColumns + " FROM workflow_definitions WHERE is_active = ? AND trigger_type = ?"
	args := []interface{}{true, string(trigger)}
	if organizationID != "" {
		query += " AND organization_id = ?"
		args = append(args, organizationID)
	}
	return s.listDefinitions(query+" ORDER BY created_at, id", args...)
}

func (s *SQLStore) SetDefinitionActive(id string, active bool) error {
	n, err := s.exec("UPDATE workflow_definitions SET is_active = ?, updated_at = ? WHERE id = ?", active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

var counterColumns = map[models.RunCounter]string{
	models.RunsStartedCounter:   "runs_started",
	models.RunsCompletedCounter: "runs_completed",
	models.RunsFailedCounter:    "runs_failed",
}

func (s *SQLStore) IncrementRunCounter(id string, counter models.RunCounter) error {
	col, ok := counterColumns[counter]
	if !ok {
		return errors.Errorf("unknown counter %q", counter)
	}
	n, err := s.exec(fmt.Sprintf("UPDATE workflow_definitions SET %s = %s + 1 WHERE id = ?", col, col), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Executions

type executionRow struct {
	ID                 string       `db:"id"`
	WorkflowID         string       `db:"workflow_id"`
	LeadID             string       `db:"lead_id"`
	OrganizationID     string       `db:"organization_id"`
	CurrentNodeID      string       `db:"current_node_id"`
	Status             string       `db:"status"`
	WaitReason         string       `db:"wait_reason"`
	Context            []byte       `db:"context"`
	ResumeAt           sql.NullTime `db:"resume_at"`
	AttemptEpoch       int64        `db:"attempt_epoch"`
	Transitions        int          `db:"transitions"`
	Visits             []byte       `db:"visits"`
	NodeEnteredAt      sql.NullTime `db:"node_entered_at"`
	LastDispatchNodeID string       `db:"last_dispatch_node_id"`
	DispatchEpoch      int64        `db:"dispatch_epoch"`
	LastError          string       `db:"last_error"`
	LeaseOwner         string       `db:"lease_owner"`
	LeaseUntil         sql.NullTime `db:"lease_until"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
	FinishedAt         sql.NullTime `db:"finished_at"`
}

const executionColumns = `id, workflow_id, lead_id, organization_id, current_node_id, status, wait_reason,
	context, resume_at, attempt_epoch, transitions, visits, node_entered_at, last_dispatch_node_id,
	dispatch_epoch, last_error, lease_owner, lease_until, created_at, updated_at, finished_at`

func (r executionRow) model() (models.WorkflowExecution, error) {
	run := models.WorkflowExecution{
		ID:                 r.ID,
		WorkflowID:         r.WorkflowID,
		LeadID:             r.LeadID,
		OrganizationID:     r.OrganizationID,
		CurrentNodeID:      r.CurrentNodeID,
		Status:             models.RunStatus(r.Status),
		WaitReason:         models.WaitReason(r.WaitReason),
		ResumeAt:           timePtr(r.ResumeAt),
		AttemptEpoch:       r.AttemptEpoch,
		Transitions:        r.Transitions,
		NodeEnteredAt:      timePtr(r.NodeEnteredAt),
		LastDispatchNodeID: r.LastDispatchNodeID,
		DispatchEpoch:      r.DispatchEpoch,
		LastError:          r.LastError,
		LeaseOwner:         r.LeaseOwner,
		LeaseUntil:         timePtr(r.LeaseUntil),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		FinishedAt:         timePtr(r.FinishedAt),
	}
	if err := unmarshal(r.Context, &run.Context); err != nil {
		return run, errors.Wrapf(err, "decode context of execution %s", r.ID)
	}
	if err := unmarshal(r.Visits, &run.Visits); err != nil {
		return run, errors.Wrapf(err, "decode visits of execution %s", r.ID)
	}
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	return run, nil
}

func encodeState(run models.WorkflowExecution) (string, string, error) {
	runCtx := run.Context
	if runCtx == nil {
		runCtx = map[string]any{}
	}
	ctxJSON, err := marshal(runCtx)
	if err != nil {
		return "", "", errors.Wrapf(err, "encode context of execution %s", run.ID)
	}
	visits := run.Visits
	if visits == nil {
		visits = map[string]int{}
	}
	visitsJSON, err := marshal(visits)
	if err != nil {
		return "", "", errors.Wrapf(err, "encode visits of execution %s", run.ID)
	}
	return ctxJSON, visitsJSON, nil
}

// CreateExecution inserts a run together with its initial lease.
func (s *SQLStore) CreateExecution(run models.WorkflowExecution) error {
	ctxJSON, visitsJSON, err := encodeState(run)
	if err != nil {
		return err
	}
	_, err = s.exec(`
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.LeadID, run.OrganizationID, run.CurrentNodeID, string(run.Status), string(run.WaitReason),
		ctxJSON, nullTime(run.ResumeAt), run.AttemptEpoch, run.Transitions, visitsJSON, nullTime(run.NodeEnteredAt), run.LastDispatchNodeID,
		run.DispatchEpoch, run.LastError, run.LeaseOwner, nullTime(run.LeaseUntil), utc(run.CreatedAt), utc(run.UpdatedAt), nullTime(run.FinishedAt))
	if isUniqueViolation(err, activeLeadIndex) {
		return storage.ErrActiveRunExists
	}
	if err != nil {
		return errors.Wrapf(err, "create execution %s", run.ID)
	}
	return nil
}

func (s *SQLStore) GetExecution(id string) (models.WorkflowExecution, error) {
	var row executionRow
	if err := s.get(&row, "SELECT "+executionColumns+" FROM workflow_executions WHERE id = ?", id); err != nil {
		return models.WorkflowExecution{}, err
	}
	return row.model()
}

// UpdateExecution writes the run state. The lease columns are owned by
// AcquireLease and ReleaseLease and are left untouched.
func (s *SQLStore) UpdateExecution(run models.WorkflowExecution) error {
	ctxJSON, visitsJSON, err := encodeState(run)
	if err != nil {
		return err
	}
	n, err := s.exec(`
		UPDATE workflow_executions SET
			current_node_id = ?, status = ?, wait_reason = ?, context = ?, resume_at = ?,
			attempt_epoch = ?, transitions = ?, visits = ?, node_entered_at = ?,
			last_dispatch_node_id = ?, dispatch_epoch = ?, last_error = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		run.CurrentNodeID, string(run.Status), string(run.WaitReason), ctxJSON, nullTime(run.ResumeAt),
		run.AttemptEpoch, run.Transitions, visitsJSON, nullTime(run.NodeEnteredAt),
		run.LastDispatchNodeID, run.DispatchEpoch, run.LastError, utc(run.UpdatedAt), nullTime(run.FinishedAt),
		run.ID)
	if err != nil {
		return errors.Wrapf(err, "update execution %s", run.ID)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLStore) listExecutions(query string, args ...interface{}) ([]models.WorkflowExecution, error) {
	rows := []executionRow{}
	if err := s.selectAll(&rows, query, args...); err != nil {
		return nil, err
	}
	runs := make([]models.WorkflowExecution, 0, len(rows))
	for _, row := range rows {
		run, err := row.model()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *SQLStore) FindWaitingExecutions(leadID string) ([]models.WorkflowExecution, error) {
	return s.listExecutions("SELECT "+executionColumns+" FROM workflow_executions WHERE lead_id = ? AND status = ? ORDER BY created_at, id",
		leadID, string(models.WaitingRunStatus))
}

func (s *SQLStore) ListExecutions(filter storage.ExecutionFilter) ([]models.WorkflowExecution, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, filter.LeadID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		where = append(where, "status IN (?)")
		args = append(args, statuses)
	}
	query := "SELECT " + executionColumns + " FROM workflow_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "expand execution filter")
	}
	return s.listExecutions(query, args...)
}

func (s *SQLStore) ListStalledExecutions(now time.Time, limit int) ([]models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listExecutions(`
		SELECT `+executionColumns+` FROM workflow_executions
		WHERE status = ? AND (lease_owner = '' OR lease_until IS NULL OR lease_until < ?)
		ORDER BY created_at, id LIMIT ?`,
		string(models.RunningRunStatus), now.UTC(), limit)
}

// Leases

func (s *SQLStore) AcquireLease(executionID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	n, err := s.exec(`
		UPDATE workflow_executions SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_until IS NULL OR lease_until <= ?)`,
		owner, now.Add(ttl).UTC(), executionID, owner, now.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "acquire lease on %s", executionID)
	}
	if n > 0 {
		return true, nil
	}
	var count int
	if err := s.get(&count, "SELECT COUNT(*) FROM workflow_executions WHERE id = ?", executionID); err != nil {
		return false, err
	}
	if count == 0 {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (s *SQLStore) RenewLease(executionID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	n, err := s.exec("UPDATE workflow_executions SET lease_until = ? WHERE id = ? AND lease_owner = ?",
		now.Add(ttl).UTC(), executionID, owner)
	if err != nil {
		return false, errors.Wrapf(err, "renew lease on %s", executionID)
	}
	return n > 0, nil
}

func (s *SQLStore) ReleaseLease(executionID, owner string) error {
	_, err := s.exec("UPDATE workflow_executions SET lease_owner = '', lease_until = NULL WHERE id = ? AND lease_owner = ?", executionID, owner)
	return err
}

// History

const historyColumns = "id, execution_id, seq, node_id, node_type, epoch, entered_at, exited_at, outcome, error"

func (s *SQLStore) AppendHistory(entry models.HistoryEntry) error {
	_, err := s.exec(`INSERT INTO execution_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, entry.Seq, entry.NodeID, entry.NodeType, entry.Epoch,
		utc(entry.EnteredAt), utc(entry.ExitedAt), entry.Outcome, entry.Error)
	if err != nil {
		return errors.Wrapf(err, "append history %d of execution %s", entry.Seq, entry.ExecutionID)
	}
	return nil
}

func (s *SQLStore) GetHistory(executionID string) ([]models.HistoryEntry, error) {
	entries := []models.HistoryEntry{}
	err := s.selectAll(&entries, "SELECT "+historyColumns+" FROM execution_history WHERE execution_id = ? ORDER BY seq", executionID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Jobs

type jobRow struct {
	ID          string       `db:"id"`
	Type        string       `db:"type"`
	ExecutionID string       `db:"execution_id"`
	NodeID      string       `db:"node_id"`
	Epoch       int64        `db:"epoch"`
	FireAt      time.Time    `db:"fire_at"`
	Status      string       `db:"status"`
	Attempts    int          `db:"attempts"`
	ClaimOwner  string       `db:"claim_owner"`
	ClaimUntil  sql.NullTime `db:"claim_until"`
	LastError   string       `db:"last_error"`
	CreatedAt   time.Time    `db:"created_at"`
}

const jobColumns = "id, type, execution_id, node_id, epoch, fire_at, status, attempts, claim_owner, claim_until, last_error, created_at"

func (r jobRow) model() models.ScheduledJob {
	return models.ScheduledJob{
		ID:          r.ID,
		Type:        models.JobType(r.Type),
		ExecutionID: r.ExecutionID,
		NodeID:      r.NodeID,
		Epoch:       r.Epoch,
		FireAt:      r.FireAt,
		Status:      models.JobStatus(r.Status),
		Attempts:    r.Attempts,
		ClaimOwner:  r.ClaimOwner,
		ClaimUntil:  timePtr(r.ClaimUntil),
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
	}
}

func (s *SQLStore) EnqueueJob(job models.ScheduledJob) error {
	status := job.Status
	if status == "" {
		status = models.PendingJobStatus
	}
	_, err := s.exec(`INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), job.ExecutionID, job.NodeID, job.Epoch, job.FireAt.UTC(), string(status),
		job.Attempts, job.ClaimOwner, nullTime(job.ClaimUntil), job.LastError, utc(job.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "enqueue job %s", job.ID)
	}
	return nil
}

// ClaimDueJobs marks up to limit due jobs claimed by owner in one statement.
// On PostgreSQL concurrent pollers skip each other's rows.
func (s *SQLStore) ClaimDueJobs(owner string, now time.Time, ttl time.Duration, limit int) ([]models.ScheduledJob, error) {
	if limit <= 0 {
		limit = 32
	}
	rows := []jobRow{}
	err := s.selectAll(&rows, `
		UPDATE scheduled_jobs SET status = ?, claim_owner = ?, claim_until = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE (status = ? AND fire_at <= ?) OR (status = ? AND claim_until < ?)
			ORDER BY fire_at LIMIT ?`+s.dialect.claimLock+`
		)
		RETURNING `+jobColumns,
		string(models.ClaimedJobStatus), owner, now.Add(ttl).UTC(),
		string(models.PendingJobStatus), now.UTC(), string(models.ClaimedJobStatus), now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim due jobs")
	}
	jobs := make([]models.ScheduledJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.model())
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].FireAt.Before(jobs[j].FireAt) })
	return jobs, nil
}

func (s *SQLStore) CompleteJob(id string) error {
	n, err := s.exec("UPDATE scheduled_jobs SET status = ?, claim_until = NULL WHERE id = ?", string(models.DoneJobStatus), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLStore) ReleaseJob(id, errMsg string, retryAt time.Time) error {
	_, err := s.exec(`
		UPDATE scheduled_jobs SET status = ?, fire_at = ?, claim_owner = '', claim_until = NULL, last_error = ?
		WHERE id = ? AND status = ?`,
		string(models.PendingJobStatus), retryAt.UTC(), errMsg, id, string(models.ClaimedJobStatus))
	return err
}

func (s *SQLStore) CancelJobs(executionID string, uptoEpoch int64) (int, error) {
	n, err := s.exec(`
		UPDATE scheduled_jobs SET status = ?
		WHERE execution_id = ? AND epoch <= ? AND status IN (?, ?)`,
		string(models.CancelledJobStatus), executionID, uptoEpoch,
		string(models.PendingJobStatus), string(models.ClaimedJobStatus))
	if err != nil {
		return 0, errors.Wrapf(err, "cancel jobs of execution %s", executionID)
	}
	return int(n), nil
}

// Dispatch ledger

type dispatchRow struct {
	Key         string    `db:"key"`
	ExecutionID string    `db:"execution_id"`
	NodeID      string    `db:"node_id"`
	Result      []byte    `db:"result"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *SQLStore) GetDispatch(key string) (models.DispatchRecord, error) {
	var row dispatchRow
	if err := s.get(&row, "SELECT key, execution_id, node_id, result, created_at FROM dispatch_ledger WHERE key = ?", key); err != nil {
		return models.DispatchRecord{}, err
	}
	rec := models.DispatchRecord{Key: row.Key, ExecutionID: row.ExecutionID, NodeID: row.NodeID, CreatedAt: row.CreatedAt}
	if err := unmarshal(row.Result, &rec.Result); err != nil {
		return rec, errors.Wrapf(err, "decode dispatch %s", key)
	}
	return rec, nil
}

// SaveDispatch records a dispatch result. The first record for a key wins.
func (s *SQLStore) SaveDispatch(rec models.DispatchRecord) error {
	result := rec.Result
	if result == nil {
		result = map[string]any{}
	}
	resultJSON, err := marshal(result)
	if err != nil {
		return errors.Wrapf(err, "encode dispatch %s", rec.Key)
	}
	_, err = s.exec(`
		INSERT INTO dispatch_ledger (key, execution_id, node_id, result, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.ExecutionID, rec.NodeID, resultJSON, utc(rec.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "save dispatch %s", rec.Key)
	}
	return nil
}
