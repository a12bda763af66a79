package services

import (
	"context"

	"github.com/miner-sl/ad-marketplace-sub000/internal/events"
	"go.uber.org/zap"
)

// Notifier fans a deal event out to the recipient through the bot and to
// the event stream consumed by the websocket hub. Delivery is
// fire-and-forget: a failed notification never blocks or rolls back the
// transition that triggered it.
type Notifier struct {
	bot       *BotClient
	publisher events.Publisher
	log       *zap.Logger
}

func NewNotifier(bot *BotClient, publisher events.Publisher, log *zap.Logger) *Notifier {
	return &Notifier{bot: bot, publisher: publisher, log: log}
}

func (n *Notifier) Notify(ctx context.Context, eventType string, recipientID int64, payload map[string]any) {
	if err := n.bot.SendNotification(ctx, recipientID, eventType, payload); err != nil {
		n.log.Warn("notification delivery failed",
			zap.String("event", eventType),
			zap.Int64("recipient", recipientID),
			zap.Error(err),
		)
	}

	n.Broadcast(ctx, eventType, payload)
}

// Broadcast publishes to the event stream only, with no bot message.
// Used for status-change events the websocket hub fans out.
func (n *Notifier) Broadcast(ctx context.Context, eventType string, payload map[string]any) {
	if err := n.publisher.Publish(ctx, events.DealStream, events.Event{Type: eventType, Payload: payload}); err != nil {
		n.log.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}
