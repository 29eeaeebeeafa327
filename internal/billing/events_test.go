package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planforge/internal/types"
)

func TestParseEvent(t *testing.T) {
	body := []byte(`{"id":"evt_body","type":"payment.succeeded","timestamp":"2026-03-01T12:00:00Z","data":{"payment_id":"pay_1","metadata":{"subscription_record_id":"p1"}}}`)

	evt, err := ParseEvent(body, "msg_header")
	require.NoError(t, err)
	assert.Equal(t, "msg_header", evt.ID)
	assert.Equal(t, types.EventPaymentSucceeded, evt.Type)

	d, err := decodeEventData(evt)
	require.NoError(t, err)
	assert.Equal(t, "p1", d.recordID())
	assert.Equal(t, "pay_1", d.reference())
}

func TestParseEvent_FallsBackToBodyID(t *testing.T) {
	evt, err := ParseEvent([]byte(`{"id":"evt_body","type":"subscription.active","data":{}}`), "")
	require.NoError(t, err)
	assert.Equal(t, "evt_body", evt.ID)
}

func TestParseEvent_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":     `{`,
		"missing type": `{"data":{}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(body), "")
			assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidEvent))
		})
	}
}

func TestEventData_ReferencePrefersSubscription(t *testing.T) {
	d := eventData{PaymentID: "pay_1", SubscriptionID: "sub_1"}
	assert.Equal(t, "sub_1", d.reference())
}
