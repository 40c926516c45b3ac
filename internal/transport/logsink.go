package transport

import (
	"context"

	appLog "teamcal/internal/log"
	"teamcal/internal/model"
	"teamcal/internal/notify"
)

// LogSink records intents for a channel without a delivery backend, such
// as web_push until a push gateway is configured.
type LogSink struct {
	Channel model.Channel
}

func (s LogSink) Deliver(_ context.Context, in notify.DeliveryIntent) error {
	appLog.Info("notification intent",
		"channel", s.Channel,
		"recipient", in.Recipient,
		"type", in.Type,
		"resource", in.ResourceID,
		"key", in.IdempotencyKey,
	)
	return nil
}
