package channel

import (
	"context"

	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/pkg/errors"
)

// Messaging sends WhatsApp and email messages through the provider's
// /messages endpoint.
type Messaging struct {
	c *client
}

func NewMessaging(cfg Config) *Messaging {
	return &Messaging{c: newClient("messaging", cfg)}
}

func (m *Messaging) Send(ctx context.Context, req dispatch.SendRequest) (string, error) {
	var resp idResponse
	if err := m.c.post(ctx, "/messages", req.IdempotencyKey, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", dispatch.Permanent(errors.New("messaging provider returned no message id"))
	}
	return resp.ID, nil
}
