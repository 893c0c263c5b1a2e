// Package outbox defines the durable row shape the relay drains and the
// sentinel values its state machine uses.
package outbox

import "time"

// TerminalRetryCount is the sentinel value written to RetryCount once a
// row exceeds its retry budget. It is excluded by FetchNextBatch's
// selection predicate the same way PublishFlag=true is.
const TerminalRetryCount = -1

// Row is the persistent outbox record. External producers insert it;
// the relay only ever updates PublishFlag, ProducedAt, ReceivedAt,
// RetryCount and ErrorCode, and never deletes it.
// The two composite indexes keep the oldest-per-key query sub-linear:
// the poller filters on publish_flag and groups unpublished rows by
// routing_key, ordered by id within each.
type Row struct {
	ID         int64  `gorm:"column:id;primaryKey;index:idx_publish_flag_id,priority:2;index:idx_routing_key_id,priority:2"`
	RoutingKey string `gorm:"column:routing_key;index:idx_routing_key_id,priority:1"`
	Payload    []byte `gorm:"column:payload"`

	// EventType, Encryption and KeyID feed the broker headers verbatim;
	// the relay never inspects or transforms them.
	EventType  string  `gorm:"column:event_type"`
	Encryption *string `gorm:"column:encryption"`
	KeyID      *string `gorm:"column:key_id"`

	PublishFlag   bool       `gorm:"column:publish_flag;index:idx_publish_flag_id,priority:1"`
	ProcessedFlag bool       `gorm:"column:processed_flag"`
	ProducedAt    *time.Time `gorm:"column:produced_at"`
	ReceivedAt    *time.Time `gorm:"column:received_at"`

	RetryCount int     `gorm:"column:retry_count"`
	ErrorCode  *string `gorm:"column:error_code"`
}

// TableName pins the GORM table name regardless of the struct name.
func (Row) TableName() string { return "outbox" }

// IsTerminal reports whether the row has been retried past its budget and
// is excluded from future polling.
func (r Row) IsTerminal() bool { return r.RetryCount == TerminalRetryCount }
