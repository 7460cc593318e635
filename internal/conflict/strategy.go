package conflict

import (
	"sort"

	"github.com/stafflink/rosterhub/internal/entity"
)

// LastWriterWins accepts the incoming payload and discards the intervening
// write.
type LastWriterWins struct{}

// Kind identifies the strategy.
func (LastWriterWins) Kind() StrategyKind { return StrategyLastWriterWins }

// Resolve accepts the incoming payload as-is.
func (s LastWriterWins) Resolve(c Conflict) (Resolution, error) {
	resolved := c.Incoming.Payload.Clone()
	return Resolution{
		Accepted:   true,
		Payload:    resolved,
		Strategy:   s.Kind(),
		Confidence: 1,
		Record:     newRecord(c, s.Kind(), resolved, 1),
	}, nil
}

// FirstWriterWins rejects the incoming payload and keeps the already-accepted
// state; the losing client receives the authoritative payload.
type FirstWriterWins struct{}

// Kind identifies the strategy.
func (FirstWriterWins) Kind() StrategyKind { return StrategyFirstWriterWins }

// Resolve keeps the base payload.
func (s FirstWriterWins) Resolve(c Conflict) (Resolution, error) {
	resolved := c.Base.Clone()
	return Resolution{
		Accepted:      false,
		Authoritative: resolved,
		Strategy:      s.Kind(),
		Confidence:    1,
		Record:        newRecord(c, s.Kind(), resolved, 1),
	}, nil
}

// Merge unions the two payloads field by field. Disjoint fields combine; on a
// field-level collision the tie-break prefers the more recent writer, then
// the configured field priority, then the incoming side. The result is
// deterministic for a given (base, incoming) pair.
type Merge struct {
	// PriorityFields lists fields whose base value wins a collision
	// regardless of recency, in configuration order.
	PriorityFields []string
}

// Kind identifies the strategy.
func (Merge) Kind() StrategyKind { return StrategyMerge }

// Resolve merges the payloads.
func (s Merge) Resolve(c Conflict) (Resolution, error) {
	priority := make(map[string]bool, len(s.PriorityFields))
	for _, field := range s.PriorityFields {
		priority[field] = true
	}

	incomingNewer := c.Incoming.SubmittedAt.Unix() > c.BaseUpdatedAt

	merged := c.Base.Clone()
	if merged == nil {
		merged = entity.Payload{}
	}
	fields := make([]string, 0, len(c.Incoming.Payload))
	for field := range c.Incoming.Payload {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		incomingValue := c.Incoming.Payload[field]
		baseValue, collides := merged[field]
		if !collides || equalValues(baseValue, incomingValue) {
			merged[field] = incomingValue
			continue
		}
		if priority[field] {
			continue // base keeps priority fields
		}
		if incomingNewer || c.Incoming.SubmittedAt.Unix() == c.BaseUpdatedAt {
			merged[field] = incomingValue
		}
	}

	return Resolution{
		Accepted:   true,
		Payload:    merged,
		Strategy:   s.Kind(),
		Confidence: 1,
		Record:     newRecord(c, s.Kind(), merged, 1),
	}, nil
}

// UserChoice applies neither side; both payloads are surfaced to the
// submitting client and the entity stays at its pre-conflict version until a
// choice arrives.
type UserChoice struct{}

// Kind identifies the strategy.
func (UserChoice) Kind() StrategyKind { return StrategyUserChoice }

// Resolve defers the decision to the client.
func (s UserChoice) Resolve(c Conflict) (Resolution, error) {
	return Resolution{
		Accepted:       false,
		RequiresChoice: true,
		Authoritative:  c.Base.Clone(),
		Strategy:       s.Kind(),
		Record:         newRecord(c, s.Kind(), nil, 0),
	}, nil
}

func newRecord(c Conflict, kind StrategyKind, resolved entity.Payload, confidence float64) *Record {
	return &Record{
		Key:        c.Key,
		Type:       c.Type,
		Base:       c.Base.Clone(),
		Incoming:   c.Incoming.Payload.Clone(),
		Strategy:   kind,
		Resolved:   resolved,
		Confidence: confidence,
		DetectedAt: c.Incoming.SubmittedAt,
	}
}

func equalValues(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	switch left := a.(type) {
	case string:
		right, ok := b.(string)
		return ok && left == right
	case float64:
		right, ok := b.(float64)
		return ok && left == right
	case bool:
		right, ok := b.(bool)
		return ok && left == right
	default:
		return false
	}
}
