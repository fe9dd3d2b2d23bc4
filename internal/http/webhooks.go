package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/ignatij/leadflow/pkg/models"
	engine "github.com/ignatij/leadflow/pkg/service"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// messagingHook is an inbound reply or button click relayed by the
// messaging provider.
type messagingHook struct {
	CorrelationID string `json:"correlationId"`
	LeadID        string `json:"leadId"`
	From          string `json:"from"`
	Type          string `json:"type"` // "text" or "button"
	Text          string `json:"text"`
	ButtonPayload string `json:"buttonPayload"`
}

// event maps the hook onto an ExternalEvent. An empty text or payload, such
// as a delivery receipt, carries no response so it cannot satisfy a wait.
func (h messagingHook) event() models.ExternalEvent {
	ev := models.ExternalEvent{
		Type:          models.InboundReplyEvent,
		CorrelationID: h.CorrelationID,
		LeadID:        h.LeadID,
		Fields:        map[string]any{},
	}
	response, kind := strings.TrimSpace(h.Text), "text"
	if h.Type == "button" || h.ButtonPayload != "" {
		ev.Type = models.ButtonClickEvent
		response, kind = strings.TrimSpace(h.ButtonPayload), "button"
	}
	if response != "" {
		ev.Fields["response"] = response
		ev.Fields["responseType"] = kind
	}
	if h.From != "" {
		ev.Fields["replyFrom"] = h.From
	}
	return ev
}

// voiceHook is the post-call analysis of an AI call.
type voiceHook struct {
	CorrelationID   string   `json:"correlationId"`
	LeadID          string   `json:"leadId"`
	CallID          string   `json:"callId"`
	Outcome         string   `json:"outcome"`
	Intents         []string `json:"intents"`
	Summary         string   `json:"summary"`
	DurationSeconds float64  `json:"durationSeconds"`
}

func (h voiceHook) event() models.ExternalEvent {
	intents := make([]any, 0, len(h.Intents))
	for _, i := range h.Intents {
		intents = append(intents, i)
	}
	fields := map[string]any{
		"callOutcome":  h.Outcome,
		"callIntents":  intents,
		"callSummary":  h.Summary,
		"callDuration": h.DurationSeconds,
	}
	if h.CallID != "" {
		fields["callId"] = h.CallID
	}
	return models.ExternalEvent{
		Type:          models.CallOutcomeEvent,
		CorrelationID: h.CorrelationID,
		LeadID:        h.LeadID,
		Fields:        fields,
	}
}

func (s *Server) MessagingWebhook(c echo.Context) error {
	var hook messagingHook
	if err := c.Bind(&hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid webhook body: "+err.Error())
	}
	return s.deliver(c, hook.event())
}

func (s *Server) VoiceWebhook(c echo.Context) error {
	var hook voiceHook
	if err := c.Bind(&hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid webhook body: "+err.Error())
	}
	if hook.Outcome == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "outcome is required")
	}
	return s.deliver(c, hook.event())
}

func (s *Server) EventWebhook(c echo.Context) error {
	var ev models.ExternalEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid webhook body: "+err.Error())
	}
	if ev.Type == "" {
		ev.Type = models.GenericEvent
	}
	return s.deliver(c, ev)
}

// deliver hands the event to the engine. A correlation miss is acknowledged
// so the provider does not redeliver; a busy run answers 503 so it does.
func (s *Server) deliver(c echo.Context, ev models.ExternalEvent) error {
	if ev.CorrelationID == "" && ev.ExecutionID == "" && ev.LeadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "correlationId, executionId or leadId is required")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	err := s.engine.HandleExternalEvent(c.Request().Context(), ev)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
	case errors.Is(err, engine.ErrCorrelationMiss):
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored", "reason": err.Error()})
	}
	return errorResponse(c, err)
}
