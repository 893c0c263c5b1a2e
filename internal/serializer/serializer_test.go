package serializer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
)

type fakeRegistry struct{ id int32 }

func (f fakeRegistry) SchemaID(ctx context.Context, subject string) (int32, error) {
	return f.id, nil
}

func TestSerialize_FramingAndRoundTrip(t *testing.T) {
	s := New(fakeRegistry{id: 42})

	row := outbox.Row{
		ID:         123456789,
		RoutingKey: "order-1",
		Payload:    []byte(`{"total":10}`),
		EventType:  "order.created",
	}

	routingKey, headers, value, err := s.Serialize(context.Background(), row)
	require.NoError(t, err)
	require.Equal(t, "order-1", routingKey)
	require.Equal(t, "order.created", headers["event-type"])

	require.Equal(t, byte(0x00), value[0])

	gotID, err := ExtractRowID(value)
	require.NoError(t, err)
	require.Equal(t, row.ID, gotID)
}

func TestSerialize_IsDeterministic(t *testing.T) {
	s := New(fakeRegistry{id: 1})
	row := outbox.Row{ID: 1, RoutingKey: "k", Payload: []byte("x"), EventType: "e"}

	_, _, v1, err := s.Serialize(context.Background(), row)
	require.NoError(t, err)
	_, _, v2, err := s.Serialize(context.Background(), row)
	require.NoError(t, err)

	require.Equal(t, v1, v2)
}

func TestSerialize_RoundTripsEncryptionHeaders(t *testing.T) {
	s := New(fakeRegistry{id: 1})
	enc := "AES-GCM"
	keyID := "key-7"
	row := outbox.Row{ID: 2, RoutingKey: "k", Payload: []byte("x"), EventType: "e", Encryption: &enc, KeyID: &keyID}

	_, headers, _, err := s.Serialize(context.Background(), row)
	require.NoError(t, err)
	require.Equal(t, enc, headers["encryption"])
	require.Equal(t, keyID, headers["key-id"])
}

func TestExtractRowID_TooShort(t *testing.T) {
	_, err := ExtractRowID([]byte{0x00, 0x01})
	require.Error(t, err)
}
