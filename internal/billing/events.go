package billing

import (
	"encoding/json"
	"time"

	"planforge/internal/external"
	"planforge/internal/types"
)

// eventData is the provider's "data" object. Payment events carry a
// payment_id and, when part of a subscription, its subscription_id.
type eventData struct {
	PaymentID       string            `json:"payment_id"`
	SubscriptionID  string            `json:"subscription_id"`
	Status          string            `json:"status"`
	NextBillingDate *time.Time        `json:"next_billing_date"`
	Metadata        map[string]string `json:"metadata"`
}

// recordID returns the internal record id stamped into the checkout metadata.
func (d eventData) recordID() string {
	return d.Metadata[external.MetadataRecordID]
}

// reference returns the id that proves activation: the subscription id for
// recurring plans, the payment id for one-time payments.
func (d eventData) reference() string {
	if d.SubscriptionID != "" {
		return d.SubscriptionID
	}
	return d.PaymentID
}

// ParseEvent decodes a verified webhook body. eventID is the delivery id from
// the transport headers; the body id is used when it is empty.
func ParseEvent(body []byte, eventID string) (*types.PaymentEvent, error) {
	var evt types.PaymentEvent
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEvent, "malformed event body", err)
	}
	if evt.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEvent, "event type is missing", nil)
	}
	if eventID == "" {
		_ = json.Unmarshal(body, &envelope)
		eventID = envelope.ID
	}
	evt.ID = eventID
	return &evt, nil
}

func decodeEventData(evt *types.PaymentEvent) (eventData, error) {
	var d eventData
	if len(evt.Payload) == 0 {
		return d, types.NewAppError(types.ErrCodeValidationInvalidEvent, "event data is missing", nil)
	}
	if err := json.Unmarshal(evt.Payload, &d); err != nil {
		return d, types.NewAppError(types.ErrCodeValidationInvalidEvent, "malformed event data", err)
	}
	return d, nil
}
