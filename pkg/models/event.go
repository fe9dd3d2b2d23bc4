package models

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type EventType string

const (
	InboundReplyEvent EventType = "inbound_reply"
	ButtonClickEvent  EventType = "button_click"
	CallOutcomeEvent  EventType = "call_outcome"
	GenericEvent      EventType = "generic"
)

// ExternalEvent is an inbound webhook payload. Correlation identifiers are
// either carried in CorrelationID or set explicitly.
type ExternalEvent struct {
	Type          EventType      `json:"type"`
	CorrelationID string         `json:"correlationId,omitempty"`
	LeadID        string         `json:"leadId,omitempty"`
	ExecutionID   string         `json:"executionId,omitempty"`
	NodeID        string         `json:"nodeId,omitempty"`
	Epoch         int64          `json:"epoch,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	ReceivedAt    time.Time      `json:"receivedAt"`
}

// CorrelationToken is embedded in every outbound dispatch and echoed back by
// providers.
type CorrelationToken struct {
	ExecutionID string
	NodeID      string
	Epoch       int64
}

const tokenSeparator = "|"

// Encode renders the token as an opaque URL-safe string.
func (t CorrelationToken) Encode() string {
	raw := strings.Join([]string{t.ExecutionID, t.NodeID, strconv.FormatInt(t.Epoch, 10)}, tokenSeparator)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCorrelationToken is the inverse of Encode.
func ParseCorrelationToken(s string) (CorrelationToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return CorrelationToken{}, errors.Wrap(err, "decode correlation token")
	}
	parts := strings.Split(string(raw), tokenSeparator)
	if len(parts) != 3 || parts[0] == "" {
		return CorrelationToken{}, errors.Errorf("malformed correlation token %q", s)
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return CorrelationToken{}, errors.Wrap(err, "parse correlation epoch")
	}
	return CorrelationToken{ExecutionID: parts[0], NodeID: parts[1], Epoch: epoch}, nil
}

// Resolve fills ExecutionID, NodeID and Epoch from CorrelationID when they are
// not set explicitly.
func (e ExternalEvent) Resolve() (ExternalEvent, error) {
	if e.CorrelationID == "" {
		return e, nil
	}
	tok, err := ParseCorrelationToken(e.CorrelationID)
	if err != nil {
		return e, err
	}
	if e.ExecutionID == "" {
		e.ExecutionID = tok.ExecutionID
	}
	if e.NodeID == "" {
		e.NodeID = tok.NodeID
	}
	if e.Epoch == 0 {
		e.Epoch = tok.Epoch
	}
	return e, nil
}
