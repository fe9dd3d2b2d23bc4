package channel

import (
	"context"

	"github.com/ignatij/leadflow/pkg/dispatch"
	"github.com/pkg/errors"
)

// Voice places AI calls and opens human call tasks.
type Voice struct {
	c *client
}

func NewVoice(cfg Config) *Voice {
	return &Voice{c: newClient("voice", cfg)}
}

type callRequest struct {
	Script        string `json:"script"`
	Recipient     string `json:"recipient"`
	CorrelationID string `json:"correlationId"`
}

func (v *Voice) PlaceCall(ctx context.Context, script, recipient, correlationID string) (string, error) {
	var resp idResponse
	body := callRequest{Script: script, Recipient: recipient, CorrelationID: correlationID}
	if err := v.c.post(ctx, "/calls", correlationID, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", dispatch.Permanent(errors.New("voice provider returned no call id"))
	}
	return resp.ID, nil
}

func (v *Voice) CreateHumanTask(ctx context.Context, task dispatch.HumanTask) (string, error) {
	var resp idResponse
	if err := v.c.post(ctx, "/tasks", task.CorrelationID, task, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", dispatch.Permanent(errors.New("voice provider returned no task id"))
	}
	return resp.ID, nil
}
