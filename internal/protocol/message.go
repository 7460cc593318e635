// Package protocol defines the wire envelope exchanged with clients over the
// persistent connection. Every message is a small envelope whose type field
// selects one strongly typed payload from a closed set.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the closed set of message kinds.
type Kind string

const (
	// KindSyncRequest asks for the current state of one or more topics.
	KindSyncRequest Kind = "sync_request"
	// KindEntityCreate proposes a new entity.
	KindEntityCreate Kind = "entity_create"
	// KindEntityUpdate proposes a mutation to an existing entity.
	KindEntityUpdate Kind = "entity_update"
	// KindEntityDelete proposes a soft or hard delete.
	KindEntityDelete Kind = "entity_delete"
	// KindBulkUpdate carries several updates in one envelope.
	KindBulkUpdate Kind = "bulk_update"
	// KindSubscribe registers interest in topics.
	KindSubscribe Kind = "subscribe"
	// KindUnsubscribe withdraws interest in topics.
	KindUnsubscribe Kind = "unsubscribe"
	// KindPing is a heartbeat probe; the pong echoes its timestamp.
	KindPing Kind = "ping"
	// KindPong answers a ping.
	KindPong Kind = "pong"
	// KindAck acknowledges registration, subscription, or an accepted change.
	KindAck Kind = "ack"
	// KindError reports a rejected or failed request.
	KindError Kind = "error"
	// KindConflict surfaces both sides of an unresolved conflict for manual
	// selection.
	KindConflict Kind = "conflict"
	// KindConflictChoice carries the client's manual conflict selection.
	KindConflictChoice Kind = "conflict_choice"
	// KindBatch delivers a coalesced group of accepted changes.
	KindBatch Kind = "batch"
)

// ErrUnknownKind indicates an envelope whose type is outside the closed set.
var ErrUnknownKind = errors.New("protocol: unknown message kind")

// ErrMalformed indicates an envelope or payload that failed to decode.
var ErrMalformed = errors.New("protocol: malformed message")

// Body is implemented by every payload type in the closed set.
type Body interface {
	kind() Kind
}

// Message is a decoded envelope.
type Message struct {
	Kind      Kind
	Timestamp time.Time
	ClientID  string
	Body      Body
}

type envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ClientID  string          `json:"client_id,omitempty"`
}

// SyncRequest asks for current state, optionally filtered by topics.
type SyncRequest struct {
	Topics []string `json:"topics,omitempty"`
}

func (SyncRequest) kind() Kind { return KindSyncRequest }

// EntityChange proposes a create, update, or delete of one entity.
type EntityChange struct {
	Key         string         `json:"key"`
	Topic       string         `json:"topic"`
	BaseVersion int64          `json:"base_version"`
	Payload     map[string]any `json:"payload,omitempty"`
	// Hard requests physical removal; only legal against a soft-deleted
	// entity.
	Hard bool `json:"hard,omitempty"`
}

func (EntityChange) kind() Kind { return KindEntityUpdate }

// BulkUpdate carries several changes submitted together.
type BulkUpdate struct {
	Changes []EntityChange `json:"changes"`
}

func (BulkUpdate) kind() Kind { return KindBulkUpdate }

// Subscription names the topics to subscribe or unsubscribe.
type Subscription struct {
	Topics []string `json:"topics"`
}

func (Subscription) kind() Kind { return KindSubscribe }

// Heartbeat is the ping/pong payload; EchoTimestamp carries the original
// ping timestamp back in the pong.
type Heartbeat struct {
	EchoTimestamp int64 `json:"echo_timestamp,omitempty"`
}

func (Heartbeat) kind() Kind { return KindPing }

// Ack acknowledges a request.
type Ack struct {
	// Ref names what is being acknowledged: "register", "subscribe",
	// "unsubscribe", or "change".
	Ref      string   `json:"ref"`
	ClientID string   `json:"client_id,omitempty"`
	Key      string   `json:"key,omitempty"`
	Version  int64    `json:"version,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

func (Ack) kind() Kind { return KindAck }

// ErrorInfo reports a rejected or failed request.
type ErrorInfo struct {
	Code      string `json:"code"`
	Detail    string `json:"detail,omitempty"`
	Key       string `json:"key,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (ErrorInfo) kind() Kind { return KindError }

// ConflictNotice surfaces both competing payloads for manual selection.
type ConflictNotice struct {
	Key            string         `json:"key"`
	CurrentVersion int64          `json:"current_version"`
	Base           map[string]any `json:"base"`
	Incoming       map[string]any `json:"incoming"`
	ConflictType   string         `json:"conflict_type"`
}

func (ConflictNotice) kind() Kind { return KindConflict }

// ConflictChoice is the client's manual selection of one side.
type ConflictChoice struct {
	Key string `json:"key"`
	// Choice is "base" or "incoming".
	Choice  string         `json:"choice"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (ConflictChoice) kind() Kind { return KindConflictChoice }

// BatchItem is one accepted change inside a batch delivery.
type BatchItem struct {
	Key       string         `json:"key"`
	Topic     string         `json:"topic"`
	Version   int64          `json:"version"`
	Sequence  int64          `json:"sequence,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	Writer    string         `json:"writer,omitempty"`
	Committed int64          `json:"committed_at"`
}

// BatchDelivery delivers accepted changes in acceptance order.
type BatchDelivery struct {
	Items []BatchItem `json:"items"`
}

func (BatchDelivery) kind() Kind { return KindBatch }

// Decode parses a raw envelope and its typed payload.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := Message{
		Kind:     Kind(env.Type),
		ClientID: env.ClientID,
	}
	if env.Timestamp > 0 {
		msg.Timestamp = time.Unix(0, env.Timestamp*int64(time.Millisecond)).UTC()
	}

	body, err := decodeBody(msg.Kind, env.Payload)
	if err != nil {
		return Message{}, err
	}
	msg.Body = body
	return msg, nil
}

func decodeBody(kind Kind, payload json.RawMessage) (Body, error) {
	switch kind {
	case KindSyncRequest:
		return unmarshalBody[SyncRequest](payload)
	case KindEntityCreate, KindEntityUpdate, KindEntityDelete:
		return unmarshalBody[EntityChange](payload)
	case KindBulkUpdate:
		return unmarshalBody[BulkUpdate](payload)
	case KindSubscribe, KindUnsubscribe:
		return unmarshalBody[Subscription](payload)
	case KindPing, KindPong:
		return unmarshalBody[Heartbeat](payload)
	case KindAck:
		return unmarshalBody[Ack](payload)
	case KindError:
		return unmarshalBody[ErrorInfo](payload)
	case KindConflict:
		return unmarshalBody[ConflictNotice](payload)
	case KindConflictChoice:
		return unmarshalBody[ConflictChoice](payload)
	case KindBatch:
		return unmarshalBody[BatchDelivery](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func unmarshalBody[T Body](payload json.RawMessage) (Body, error) {
	var body T
	if len(payload) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return body, nil
}

// Encode renders a message into its wire envelope. The timestamp is encoded
// in unix milliseconds.
func Encode(msg Message) ([]byte, error) {
	var payload json.RawMessage
	if msg.Body != nil {
		raw, err := json.Marshal(msg.Body)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{
		Type:      string(msg.Kind),
		Payload:   payload,
		Timestamp: ts.UnixMilli(),
		ClientID:  msg.ClientID,
	})
}
