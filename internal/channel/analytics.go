package channel

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogAnalytics writes tracked events to the structured log.
type LogAnalytics struct {
	logger *logrus.Logger
}

func NewLogAnalytics(logger *logrus.Logger) *LogAnalytics {
	return &LogAnalytics{logger: logger}
}

func (a *LogAnalytics) Track(ctx context.Context, organizationID, leadID, event string, properties map[string]any) error {
	fields := logrus.Fields{
		"organization": organizationID,
		"lead":         leadID,
		"event":        event,
	}
	for k, v := range properties {
		fields["prop."+k] = v
	}
	a.logger.WithFields(fields).Info("analytics event")
	return nil
}
