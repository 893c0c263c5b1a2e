// Package serializer turns an outbox row into a routing
// key, a header map, and a schema-registry-framed Avro payload.
package serializer

import (
	"context"
	"encoding/binary"

	"github.com/hamba/avro/v2"

	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/schemaregistry"
	"github.com/chris-alexander-pop/outbox-relay/pkg/errors"
)

// Error codes for the serializer, following pkg/messaging/errors.go's
// package-level Code*/Err* convention.
const CodeSerializationError = "SERIALIZATION_ERROR"

func errSerialization(cause error) *errors.AppError {
	return errors.New(CodeSerializationError, "failed to serialize outbox row", cause)
}

// wireMagicByte is the schema-registry framing magic byte.
const wireMagicByte byte = 0x00

// eventRecordSchema declares the minimal record layout. id is encoded as
// an 8-byte Avro fixed (not a varint "long"): it must be the first field,
// at a known fixed offset, so the consumer can recover it by reading 8
// raw bytes after the 5-byte schema-registry prefix without a full Avro
// decode.
var eventRecordSchema = avro.MustParse(`{
	"type": "record",
	"name": "OutboxEvent",
	"fields": [
		{"name": "id", "type": {"type": "fixed", "name": "RowID", "size": 8}},
		{"name": "payload", "type": "bytes"}
	]
}`)

type eventRecord struct {
	ID      [8]byte `avro:"id"`
	Payload []byte  `avro:"payload"`
}

// Subject is the schema registry subject name the relay's event record is
// registered under.
const Subject = "outbox-event-value"

// Serializer turns rows into broker-ready values. Deterministic: equal
// input yields equal output (schema id is cached after first lookup).
type Serializer struct {
	registry schemaregistry.Client
}

// New builds a Serializer over the given schema registry client.
func New(registry schemaregistry.Client) *Serializer {
	return &Serializer{registry: registry}
}

// Serialize returns (routingKey, headers, valueBytes) for row, or
// SerializationError on any mapping violation.
func (s *Serializer) Serialize(ctx context.Context, row outbox.Row) (string, map[string]string, []byte, error) {
	schemaID, err := s.registry.SchemaID(ctx, Subject)
	if err != nil {
		return "", nil, nil, errSerialization(err)
	}

	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(row.ID))

	body, err := avro.Marshal(eventRecordSchema, eventRecord{ID: idBytes, Payload: row.Payload})
	if err != nil {
		return "", nil, nil, errSerialization(err)
	}

	value := make([]byte, 0, 5+len(body))
	value = append(value, wireMagicByte)
	value = binary.BigEndian.AppendUint32(value, uint32(schemaID))
	value = append(value, body...)

	headers := map[string]string{
		"event-type": row.EventType,
	}
	if row.Encryption != nil {
		headers["encryption"] = *row.Encryption
	}
	if row.KeyID != nil {
		headers["key-id"] = *row.KeyID
	}

	return row.RoutingKey, headers, value, nil
}

// ExtractRowID recovers the row id from a broker value produced by
// Serialize, by reading the 8 bytes after the 5-byte schema-registry
// prefix, without decoding the full Avro record.
func ExtractRowID(value []byte) (int64, error) {
	const prefixLen = 5
	const idLen = 8
	if len(value) < prefixLen+idLen {
		return 0, errSerialization(nil)
	}
	return int64(binary.BigEndian.Uint64(value[prefixLen : prefixLen+idLen])), nil
}
