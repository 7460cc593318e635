package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityKey indicates that an entity key is empty or exceeds storage bounds.
	ErrInvalidEntityKey = errors.New("entity: invalid entity key")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("entity: invalid client id")
	// ErrInvalidTopic indicates that a topic name is empty or exceeds storage bounds.
	ErrInvalidTopic = errors.New("entity: invalid topic")
)

// Key represents a validated entity key.
type Key string

// NewKey validates raw input and returns a Key.
func NewKey(rawInput string) (Key, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityKey, maxIdentifierLength)
	}
	return Key(trimmed), nil
}

// String returns the underlying string key.
func (k Key) String() string {
	return string(k)
}

// ClientID represents a validated client connection identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// Topic represents a validated broadcast topic name.
type Topic string

// TopicAll is the wildcard topic matching every subscriber.
const TopicAll Topic = "all"

// NewTopic validates raw input and returns a Topic.
func NewTopic(rawInput string) (Topic, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTopic, maxIdentifierLength)
	}
	return Topic(trimmed), nil
}

// String returns the underlying topic name.
func (t Topic) String() string {
	return string(t)
}

// Payload is an opaque structured value carried by an entity. Field values are
// kept as decoded JSON so strategies can reason about individual fields.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for field, value := range p {
		out[field] = value
	}
	return out
}

// MarshalJSONString renders the payload as a JSON document for persistence.
func (p Payload) MarshalJSONString() (string, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParsePayload decodes a persisted JSON document into a Payload.
func ParsePayload(raw string) (Payload, error) {
	if strings.TrimSpace(raw) == "" {
		return Payload{}, nil
	}
	var out Payload
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Entity models a versioned record under synchronization.
type Entity struct {
	Key              string         `gorm:"column:entity_key;primaryKey;size:190;not null"`
	Topic            string         `gorm:"column:topic;size:190;not null;index:idx_entities_topic_version,priority:1"`
	Version          int64          `gorm:"column:version;not null;default:0;index:idx_entities_topic_version,priority:2"`
	PayloadJSON      string         `gorm:"column:payload_json;type:text;not null"`
	Lifecycle        LifecycleState `gorm:"column:lifecycle;not null;default:'active'"`
	LastWriter       string         `gorm:"column:last_writer;size:190;not null;default:''"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "entities"
}

// Payload decodes the persisted JSON payload.
func (e Entity) Payload() (Payload, error) {
	return ParsePayload(e.PayloadJSON)
}

// Operation enumerates supported client mutations.
type Operation string

const (
	// OperationCreate inserts a new entity.
	OperationCreate Operation = "create"
	// OperationUpdate mutates an existing entity.
	OperationUpdate Operation = "update"
	// OperationDelete soft-deletes an entity.
	OperationDelete Operation = "delete"
)

// ParseOperation validates a raw operation name.
func ParseOperation(value string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(OperationCreate):
		return OperationCreate, nil
	case string(OperationUpdate):
		return OperationUpdate, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("unknown operation %q", value)
	}
}

// ChangeRequest describes a client's proposed mutation to one entity. It is
// consumed by conflict resolution and not retained beyond the decision.
type ChangeRequest struct {
	Key         Key
	Topic       Topic
	Operation   Operation
	BaseVersion int64
	Payload     Payload
	ClientID    ClientID
	SubmittedAt time.Time
}

// ChangeOutcome records the committed result of an accepted change. Sequence
// is the dataset-wide number issued by the version controller on the
// confirmed write; Version is the entity's own consecutive version.
type ChangeOutcome struct {
	Key         Key
	Topic       Topic
	Version     int64
	Sequence    int64
	Payload     Payload
	Lifecycle   LifecycleState
	ClientID    ClientID
	CommittedAt time.Time
}

// AuditRecord captures an append-only trail of accepted changes and applied
// conflict resolutions.
type AuditRecord struct {
	RecordID         string    `gorm:"column:record_id;primaryKey;size:190;not null"`
	EntityKey        string    `gorm:"column:entity_key;not null;index:idx_audit_key_time,priority:1"`
	AppliedAtSeconds int64     `gorm:"column:applied_at_s;not null;index:idx_audit_key_time,priority:2"`
	ClientID         string    `gorm:"column:client_id;size:190;not null"`
	Operation        Operation `gorm:"column:op;not null"`
	PreviousVersion  *int64    `gorm:"column:prev_version"`
	NewVersion       *int64    `gorm:"column:new_version"`
	Strategy         string    `gorm:"column:strategy;size:64;not null;default:''"`
	Confidence       float64   `gorm:"column:confidence;not null;default:0"`
	PayloadJSON      string    `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AuditRecord) TableName() string {
	return "entity_audit"
}
