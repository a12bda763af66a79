package events

import "context"

// Event types
const (
	EventDealStatusChanged = "deal_status_changed"
	EventPaymentReceived   = "payment_received"
	EventFundsReleased     = "funds_released"
	EventDealRefunded      = "deal_refunded"
)

// DealStream is the pub/sub channel deal events are published to.
const DealStream = "events:deal"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
