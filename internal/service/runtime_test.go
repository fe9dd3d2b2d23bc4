package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ignatij/leadflow/internal/config"
	internal_storage "github.com/ignatij/leadflow/internal/storage"
	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLabels(t *testing.T) {
	ctx := context.Background()
	leads := internal_storage.NewMemoryLeads()
	require.NoError(t, leads.SetLabels(ctx, "org-1", map[string]string{"appointment": "demo"}))
	labels := &defaultLabels{source: leads, defaults: map[string]string{"appointment": "appointment", "company": "Acme"}}

	got, err := labels.Labels(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"appointment": "demo", "company": "Acme"}, got)

	got, err = labels.Labels(ctx, "org-2")
	require.NoError(t, err)
	assert.Equal(t, "appointment", got["appointment"])

	// the defaults themselves are never modified
	assert.Equal(t, "appointment", labels.defaults["appointment"])
}

type provider struct {
	mu       sync.Mutex
	requests []dispatch.SendRequest
	keys     []string
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.keys = append(p.keys, r.Header.Get("Idempotency-Key"))
	p.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]string{"id": "wamid-1"})
}

func TestNewRuntime_MemoryDriver(t *testing.T) {
	p := &provider{}
	srv := httptest.NewServer(p)
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Database.Driver = internal_storage.MemoryDriver
	cfg.Channels.Messaging.BaseURL = srv.URL
	cfg.Labels = map[string]string{"appointment": "consultation"}

	rt, err := NewRuntime(cfg, true)
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	def, err := rt.Workflows.ImportWorkflow(ctx, models.GraphDocument{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "Welcome",
		Nodes: []models.DocumentNode{
			{ID: "t", Type: "trigger", Data: models.DocumentNodeData{Type: "leadCreated"}},
			{ID: "wa", Type: "action", Data: models.DocumentNodeData{Type: "whatsapp", Config: map[string]any{"body": "Hi {{name}}, book a {{appointment}}"}}},
		},
		Edges: []models.DocumentEdge{{ID: "e1", Source: "t", Target: "wa"}},
	}, true)
	require.NoError(t, err)
	assert.True(t, def.IsActive)

	runs, err := rt.Workflows.IntakeLead(ctx, "org-1", "lead-1", map[string]any{"name": "Mia", "phone": "+15550100"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.CompletedRunStatus, runs[0].Status)
	assert.Equal(t, "wamid-1", runs[0].Context["lastMessageId"])

	require.Len(t, p.requests, 1)
	assert.Equal(t, "+15550100", p.requests[0].Recipient)
	assert.Equal(t, "Hi Mia, book a consultation", p.requests[0].Payload["body"])
	assert.NotEmpty(t, p.keys[0])
}

func TestNewRuntime_UnknownDriver(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Driver = "oracle"
	_, err := NewRuntime(cfg, false)
	assert.Error(t, err)
}
