package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eventfold/eventfold/internal/event"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int64  `json:"total"`
}

func (orderPlaced) EventName() string { return "order.placed" }

type orderShipped struct {
	OrderID string `json:"order_id"`
}

func (orderShipped) EventName() string { return "order.shipped" }

func newTestRegistry(t *testing.T) *event.Registry {
	t.Helper()
	reg := event.NewRegistry()
	reg.MustRegister(event.FamilyDomain, "order.placed", func() event.Event { return &orderPlaced{} })
	reg.MustRegister(event.FamilyIntegration, "order.shipped", func() event.Event { return &orderShipped{} })
	return reg
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewJSON(newTestRegistry(t), event.FamilyDomain)

	name, payload, err := c.Encode(&orderPlaced{OrderID: "o-1", Total: 4200})
	require.NoError(t, err)
	require.Equal(t, "order.placed", name)

	decoded, err := c.Decode(name, payload)
	require.NoError(t, err)
	got, ok := decoded.(*orderPlaced)
	require.True(t, ok, "decoded %T, want *orderPlaced", decoded)
	require.Equal(t, "o-1", got.OrderID)
	require.Equal(t, int64(4200), got.Total)
}

func TestEncodeRejectsUnregisteredEvent(t *testing.T) {
	c := NewJSON(event.NewRegistry(), event.FamilyDomain)

	_, _, err := c.Encode(&orderPlaced{OrderID: "o-1"})
	require.Error(t, err)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, "order.placed", cerr.EventName)
}

func TestEncodeRejectsWrongFamily(t *testing.T) {
	c := NewJSON(newTestRegistry(t), event.FamilyDomain)

	_, _, err := c.Encode(&orderShipped{OrderID: "o-1"})
	require.Error(t, err, "integration event must not pass a domain codec")
}

func TestDecodeRejectsUnknownName(t *testing.T) {
	c := NewJSON(newTestRegistry(t), event.FamilyDomain)

	_, err := c.Decode("order.cancelled", []byte(`{}`))
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
}

func TestDecodeMalformedPayload(t *testing.T) {
	c := NewJSON(newTestRegistry(t), event.FamilyDomain)

	_, err := c.Decode("order.placed", []byte(`{"order_id": 7`))
	require.Error(t, err)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, "order.placed", cerr.EventName)
}
