package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Leads is the lead and tenant label store the dispatcher and the HTTP intake
// work against.
type Leads interface {
	dispatch.LeadStore
	dispatch.LabelSource
	SaveLead(ctx context.Context, organizationID, leadID string, attributes map[string]any) error
	SetLabels(ctx context.Context, organizationID string, labels map[string]string) error
}

// SQLLeads keeps lead attributes as one JSON document per lead. Updates
// merge the changed keys into the stored document.
type SQLLeads struct {
	db      *sqlx.DB
	dialect dialect
}

// Leads returns the lead store sharing this store's database.
func (s *SQLStore) Leads() *SQLLeads {
	return &SQLLeads{db: s.DB(), dialect: s.dialect}
}

// SaveLead creates the lead or merges attributes into an existing one.
func (l *SQLLeads) SaveLead(ctx context.Context, organizationID, leadID string, attributes map[string]any) error {
	if attributes == nil {
		attributes = map[string]any{}
	}
	attrs, err := marshal(attributes)
	if err != nil {
		return errors.Wrap(err, "encode lead attributes")
	}
	now := time.Now().UTC()
	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO leads (id, organization_id, attributes, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			attributes = `+l.dialect.mergeJSON("leads.attributes", "excluded.attributes")+`,
			updated_at = excluded.updated_at`),
		leadID, organizationID, attrs, now, now)
	return errors.Wrapf(err, "save lead %s", leadID)
}

func (l *SQLLeads) GetLeadContext(ctx context.Context, leadID string) (map[string]any, error) {
	var raw []byte
	err := l.db.GetContext(ctx, &raw, l.db.Rebind("SELECT attributes FROM leads WHERE id = ?"), leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(storage.ErrNotFound, "lead %s", leadID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get lead %s", leadID)
	}
	attrs := map[string]any{}
	if err := unmarshal(raw, &attrs); err != nil {
		return nil, errors.Wrapf(err, "decode lead %s", leadID)
	}
	return attrs, nil
}

// UpdateLeadFields merges fields into the lead's attributes.
func (l *SQLLeads) UpdateLeadFields(ctx context.Context, leadID string, fields map[string]any) error {
	patch, err := marshal(fields)
	if err != nil {
		return errors.Wrap(err, "encode lead fields")
	}
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE leads SET attributes = `+l.dialect.mergeJSON("attributes", "?")+`, updated_at = ? WHERE id = ?`),
		patch, time.Now().UTC(), leadID)
	if err != nil {
		return errors.Wrapf(err, "update lead %s", leadID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "lead %s", leadID)
	}
	return nil
}

// Labels returns the organization's template labels, empty when none are set.
func (l *SQLLeads) Labels(ctx context.Context, organizationID string) (map[string]string, error) {
	var raw []byte
	err := l.db.GetContext(ctx, &raw, l.db.Rebind("SELECT labels FROM organization_labels WHERE organization_id = ?"), organizationID)
	labels := map[string]string{}
	if errors.Is(err, sql.ErrNoRows) {
		return labels, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get labels of %s", organizationID)
	}
	if err := unmarshal(raw, &labels); err != nil {
		return nil, errors.Wrapf(err, "decode labels of %s", organizationID)
	}
	return labels, nil
}

func (l *SQLLeads) SetLabels(ctx context.Context, organizationID string, labels map[string]string) error {
	raw, err := marshal(labels)
	if err != nil {
		return errors.Wrap(err, "encode labels")
	}
	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO organization_labels (organization_id, labels, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET labels = excluded.labels, updated_at = excluded.updated_at`),
		organizationID, raw, time.Now().UTC())
	return errors.Wrapf(err, "set labels of %s", organizationID)
}

// MemoryLeads is the in-process counterpart of SQLLeads.
type MemoryLeads struct {
	mu     sync.Mutex
	leads  map[string]map[string]any
	labels map[string]map[string]string
}

func NewMemoryLeads() *MemoryLeads {
	return &MemoryLeads{
		leads:  make(map[string]map[string]any),
		labels: make(map[string]map[string]string),
	}
}

func (m *MemoryLeads) SaveLead(ctx context.Context, organizationID, leadID string, attributes map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.leads[leadID]
	if !ok {
		attrs = map[string]any{}
		m.leads[leadID] = attrs
	}
	for k, v := range attributes {
		attrs[k] = v
	}
	return nil
}

func (m *MemoryLeads) GetLeadContext(ctx context.Context, leadID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.leads[leadID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "lead %s", leadID)
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryLeads) UpdateLeadFields(ctx context.Context, leadID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.leads[leadID]
	if !ok {
		return errors.Wrapf(storage.ErrNotFound, "lead %s", leadID)
	}
	for k, v := range fields {
		attrs[k] = v
	}
	return nil
}

func (m *MemoryLeads) Labels(ctx context.Context, organizationID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.labels[organizationID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryLeads) SetLabels(ctx context.Context, organizationID string, labels map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	m.labels[organizationID] = cp
	return nil
}
