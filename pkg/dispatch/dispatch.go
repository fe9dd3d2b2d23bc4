// Package dispatch maps action nodes onto calls against the messaging, voice
// and lead collaborators.
package dispatch

import (
	"context"
	"strings"

	"github.com/ignatij/leadflow/pkg/models"
	"github.com/pkg/errors"
)

type MessageKind string

const (
	TemplateMessage MessageKind = "template"
	TextMessage     MessageKind = "text"
)

// SendRequest is one outbound message.
type SendRequest struct {
	Channel        string         `json:"channel"`
	Kind           MessageKind    `json:"kind"`
	Recipient      string         `json:"recipient"`
	Payload        map[string]any `json:"payload"`
	CorrelationID  string         `json:"correlationId"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// HumanTask is a unit of work assigned to a person.
type HumanTask struct {
	OrganizationID string         `json:"organizationId"`
	LeadID         string         `json:"leadId"`
	Kind           string         `json:"kind"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Assignee       string         `json:"assignee,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CorrelationID  string         `json:"correlationId"`
}

// Messaging sends WhatsApp and email messages.
type Messaging interface {
	Send(ctx context.Context, req SendRequest) (string, error)
}

// Voice places AI calls and creates human call tasks.
type Voice interface {
	PlaceCall(ctx context.Context, script, recipient, correlationID string) (string, error)
	CreateHumanTask(ctx context.Context, task HumanTask) (string, error)
}

// LeadStore reads lead attributes and applies targeted field updates.
type LeadStore interface {
	GetLeadContext(ctx context.Context, leadID string) (map[string]any, error)
	UpdateLeadFields(ctx context.Context, leadID string, fields map[string]any) error
}

// LabelSource yields tenant-level labels used by templates.
type LabelSource interface {
	Labels(ctx context.Context, organizationID string) (map[string]string, error)
}

// Analytics records tracked events.
type Analytics interface {
	Track(ctx context.Context, organizationID, leadID, event string, properties map[string]any) error
}

// Request carries everything a strategy needs to perform one action.
type Request struct {
	Node           models.Node
	ExecutionID    string
	LeadID         string
	OrganizationID string
	Context        map[string]any
	CorrelationID  string
	IdempotencyKey string
}

// Result is a successful dispatch. Data is merged into the run context.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"resultData,omitempty"`
}

type strategy func(ctx context.Context, d *Dispatcher, req Request, config map[string]any) (map[string]any, error)

// Deps are the collaborators of a Dispatcher. Any may be nil, in which case
// node types that need it fail permanently.
type Deps struct {
	Messaging Messaging
	Voice     Voice
	Leads     LeadStore
	Labels    LabelSource
	Analytics Analytics
	Logger    Logger
}

// Logger defines the logging interface for Dispatcher
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Dispatcher executes action nodes.
type Dispatcher struct {
	Deps
	strategies map[string]strategy
}

func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		Deps: deps,
		strategies: map[string]strategy{
			models.WhatsAppNodeType:     sendMessage("whatsapp", "phone"),
			models.EmailNodeType:        sendMessage("email", "email"),
			models.AICallNodeType:       placeCall,
			models.HumanCallNodeType:    createTask("call"),
			models.CreateTaskNodeType:   createTask("task"),
			models.UpdateStatusNodeType: updateStatus,
			models.AssignLeadNodeType:   assignLead,
			models.AnalyticsNodeType:    track,
		},
	}
}

// Supports reports whether nodeType has a strategy.
func (d *Dispatcher) Supports(nodeType string) bool {
	_, ok := d.strategies[nodeType]
	return ok
}

// Dispatch renders the node config and performs its action. Errors are always
// *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	run, ok := d.strategies[req.Node.Type]
	if !ok {
		return Result{}, &DispatchError{Kind: PermanentError, NodeType: req.Node.Type, Err: errUnknownType}
	}
	labels := map[string]string{}
	if d.Labels != nil && req.OrganizationID != "" {
		l, err := d.Labels.Labels(ctx, req.OrganizationID)
		if err != nil {
			return Result{}, classify(req.Node.Type, err)
		}
		labels = l
	}
	config := RenderConfig(req.Node.Config, req.Context, labels)
	data, err := run(ctx, d, req, config)
	if err != nil {
		return Result{}, classify(req.Node.Type, err)
	}
	if d.Logger != nil {
		d.Logger.Infof("Dispatched %s node %s for execution %s", req.Node.Type, req.Node.ID, req.ExecutionID)
	}
	return Result{Success: true, Data: data}, nil
}

var errUnknownType = errors.New("no dispatcher for node type")

// awaited lists the context fields answered by the webhook a node type
// solicits. They are cleared on dispatch so that a later condition waits for
// the answer to this dispatch rather than an earlier one.
var awaited = map[string][]string{
	models.WhatsAppNodeType: {"response", "responseType"},
	models.EmailNodeType:    {"response", "responseType"},
	models.AICallNodeType:   {"callOutcome", "callIntents", "callSummary"},
}

// AwaitedFields returns the context fields a dispatch of nodeType resets.
func AwaitedFields(nodeType string) []string {
	return awaited[nodeType]
}

func recipient(config, runCtx map[string]any, defaultField string) string {
	if r := strings.TrimSpace(models.ConfigString(config, "recipient")); r != "" {
		return r
	}
	field := models.ConfigString(config, "recipientField")
	if field == "" {
		field = defaultField
	}
	if v, ok := lookupString(runCtx, field); ok {
		return v
	}
	return ""
}

func lookupString(ctx map[string]any, path string) (string, bool) {
	v, ok := ctx[path]
	if !ok {
		if lead, isMap := ctx["lead"].(map[string]any); isMap {
			v, ok = lead[path]
		}
	}
	s, isStr := v.(string)
	s = strings.TrimSpace(s)
	return s, ok && isStr && s != ""
}

func sendMessage(channel, recipientField string) strategy {
	return func(ctx context.Context, d *Dispatcher, req Request, config map[string]any) (map[string]any, error) {
		if d.Messaging == nil {
			return nil, Permanentf("%s channel not configured", channel)
		}
		to := recipient(config, req.Context, recipientField)
		if to == "" {
			return nil, Permanentf("lead %s has no %s recipient", req.LeadID, channel)
		}
		kind := TextMessage
		if models.ConfigString(config, "template") != "" || models.ConfigString(config, "templateName") != "" {
			kind = TemplateMessage
		}
		id, err := d.Messaging.Send(ctx, SendRequest{
			Channel:        channel,
			Kind:           kind,
			Recipient:      to,
			Payload:        config,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"lastMessageId": id, "lastMessageChannel": channel}, nil
	}
}

func placeCall(ctx context.Context, d *Dispatcher, req Request, config map[string]any) (map[string]any, error) {
	if d.Voice == nil {
		return nil, Permanentf("voice channel not configured")
	}
	to := recipient(config, req.Context, "phone")
	if to == "" {
		return nil, Permanentf("lead %s has no phone number", req.LeadID)
	}
	script := models.ConfigString(config, "script")
	if script == "" {
		script = models.ConfigString(config, "prompt")
	}
	id, err := d.Voice.PlaceCall(ctx, script, to, req.CorrelationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"callId": id}, nil
}

func createTask(kind string) strategy {
	return func(ctx context.Context, d *Dispatcher, req Request, config map[string]any) (map[string]any, error) {
		if d.Voice == nil {
			return nil, Permanentf("task channel not configured")
		}
		title := models.ConfigString(config, "title")
		if title == "" {
			title = req.Node.Label
		}
		taskKind := kind
		if t := models.ConfigString(config, "taskType"); t != "" {
			taskKind = t
		}
		id, err := d.Voice.CreateHumanTask(ctx, HumanTask{
			OrganizationID: req.OrganizationID,
			LeadID:         req.LeadID,
			Kind:           taskKind,
			Title:          title,
			Description:    models.ConfigString(config, "description"),
			Assignee:       models.ConfigString(config, "assignee"),
			Details:        config,
			CorrelationID:  req.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"taskId": id}, nil
	}
}

func updateStatus(ctx context.Context, d *Dispatcher, req Request, config map[string]any) (map[string]any, error) {
	status := models.ConfigString(config, "status")
	if status == "" {
		return nil, Permanentf("updateStatus without status")
	}
	if err := updateLead(ctx, d, req.LeadID, map[string]any{"status": status}); err != nil {
		return nil, err
	}
	return map[string]any{"status": status}, nil
}

func assignLead(ctx context.Context, d *Dispatcher, req Request, config map[string]any) (map[string]any, error) {
	assignee := models.ConfigString(config, "assignee")
	if assignee == "" {
		assignee = models.ConfigString(config, "assignedTo")
	}
	if assignee == "" {
		return nil, Permanentf("assignLead without assignee")
	}
	if err := updateLead(ctx, d, req.LeadID, map[string]any{"assignedTo": assignee}); err != nil {
		return nil, err
	}
	return map[string]any{"assignedTo": assignee}, nil
}

func updateLead(ctx context.Context, d *Dispatcher, leadID string, fields map[string]any) error {
	if d.Leads == nil {
		return Permanentf("lead store not configured")
	}
	return d.Leads.UpdateLeadFields(ctx, leadID, fields)
}

func track(ctx context.Context, d *Dispatcher, req Request, config map[string]any) (map[string]any, error) {
	if d.Analytics == nil {
		return nil, nil
	}
	event := models.ConfigString(config, "event")
	if event == "" {
		event = req.Node.ID
	}
	props, _ := config["properties"].(map[string]any)
	return nil, d.Analytics.Track(ctx, req.OrganizationID, req.LeadID, event, props)
}
