package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/pkg/errors"
)

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Infof(format string, args ...interface{})  {}
func (NopLogger) Errorf(format string, args ...interface{}) {}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failures hands out queued errors one call at a time.
type failures struct {
	queue []error
}

func (f *failures) next() error {
	if len(f.queue) == 0 {
		return nil
	}
	err := f.queue[0]
	f.queue = f.queue[1:]
	return err
}

// Messaging records sent messages.
type Messaging struct {
	mu       sync.Mutex
	Sent     []dispatch.SendRequest
	Attempts int
	fail     failures
}

// FailNext makes the next calls fail with errs, in order.
func (m *Messaging) FailNext(errs ...error) {
	m.mu.Lock()
	m.fail.queue = append(m.fail.queue, errs...)
	m.mu.Unlock()
}

func (m *Messaging) Send(ctx context.Context, req dispatch.SendRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempts++
	if err := m.fail.next(); err != nil {
		return "", err
	}
	m.Sent = append(m.Sent, req)
	return fmt.Sprintf("msg-%d", len(m.Sent)), nil
}

// Messages returns a copy of the sent messages.
func (m *Messaging) Messages() []dispatch.SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dispatch.SendRequest(nil), m.Sent...)
}

// Call is one recorded PlaceCall.
type Call struct {
	Script        string
	Recipient     string
	CorrelationID string
}

// Voice records calls and human tasks.
type Voice struct {
	mu    sync.Mutex
	Calls []Call
	Tasks []dispatch.HumanTask
	fail  failures
}

func (v *Voice) FailNext(errs ...error) {
	v.mu.Lock()
	v.fail.queue = append(v.fail.queue, errs...)
	v.mu.Unlock()
}

func (v *Voice) PlaceCall(ctx context.Context, script, recipient, correlationID string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fail.next(); err != nil {
		return "", err
	}
	v.Calls = append(v.Calls, Call{Script: script, Recipient: recipient, CorrelationID: correlationID})
	return fmt.Sprintf("call-%d", len(v.Calls)), nil
}

func (v *Voice) CreateHumanTask(ctx context.Context, task dispatch.HumanTask) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fail.next(); err != nil {
		return "", err
	}
	v.Tasks = append(v.Tasks, task)
	return fmt.Sprintf("task-%d", len(v.Tasks)), nil
}

func (v *Voice) CallLog() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Call(nil), v.Calls...)
}

// Leads is an in-memory lead store.
type Leads struct {
	mu    sync.Mutex
	leads map[string]map[string]any
}

func NewLeads() *Leads {
	return &Leads{leads: make(map[string]map[string]any)}
}

func (l *Leads) Put(leadID string, attrs map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	l.leads[leadID] = cp
}

func (l *Leads) GetLeadContext(ctx context.Context, leadID string) (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	attrs, ok := l.leads[leadID]
	if !ok {
		return nil, errors.Errorf("lead %s not found", leadID)
	}
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp, nil
}

func (l *Leads) UpdateLeadFields(ctx context.Context, leadID string, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	attrs, ok := l.leads[leadID]
	if !ok {
		return errors.Errorf("lead %s not found", leadID)
	}
	for k, v := range fields {
		attrs[k] = v
	}
	return nil
}

// Field returns one attribute of a lead.
func (l *Leads) Field(leadID, key string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leads[leadID][key]
}
