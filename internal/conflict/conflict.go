// Package conflict detects version conflicts between a client's proposed
// change and the authoritative entity state, and reconciles them through a
// selectable strategy.
package conflict

import (
	"errors"
	"time"

	"github.com/stafflink/rosterhub/internal/entity"
)

// Type classifies a detected conflict.
type Type string

const (
	// TypeNone marks the fast path: the request's base version matched.
	TypeNone Type = "none"
	// TypeStaleVersion marks a request whose base version lags the entity.
	TypeStaleVersion Type = "stale_version"
	// TypeDeleted marks a request against a soft-deleted entity.
	TypeDeleted Type = "deleted"
	// TypeMissing marks an update against an entity that does not exist.
	TypeMissing Type = "missing"
)

// StrategyKind names a resolution policy.
type StrategyKind string

const (
	// StrategyLastWriterWins accepts the incoming payload outright.
	StrategyLastWriterWins StrategyKind = "last_writer_wins"
	// StrategyFirstWriterWins keeps the already-accepted payload.
	StrategyFirstWriterWins StrategyKind = "first_writer_wins"
	// StrategyMerge unions disjoint fields, tie-breaking collisions.
	StrategyMerge StrategyKind = "merge"
	// StrategyUserChoice surfaces both payloads for manual selection.
	StrategyUserChoice StrategyKind = "user_choice"
	// StrategyHeuristic scores the pair and delegates to another strategy.
	StrategyHeuristic StrategyKind = "heuristic"
)

// ErrUnknownStrategy indicates an unrecognized strategy name in configuration.
var ErrUnknownStrategy = errors.New("conflict: unknown strategy")

// ParseStrategyKind validates a configured strategy name.
func ParseStrategyKind(value string) (StrategyKind, error) {
	switch StrategyKind(value) {
	case StrategyLastWriterWins, StrategyFirstWriterWins, StrategyMerge,
		StrategyUserChoice, StrategyHeuristic:
		return StrategyKind(value), nil
	default:
		return "", ErrUnknownStrategy
	}
}

// Conflict carries the competing sides of a detected version conflict.
type Conflict struct {
	Key  entity.Key
	Type Type

	// Base is the authoritative payload at CurrentVersion.
	Base           entity.Payload
	CurrentVersion int64
	BaseUpdatedAt  int64

	// Incoming is the client's proposed change.
	Incoming entity.ChangeRequest
}

// Record is the audit view of one resolved conflict.
type Record struct {
	Key        entity.Key
	Type       Type
	Base       entity.Payload
	Incoming   entity.Payload
	Strategy   StrategyKind
	Resolved   entity.Payload
	Confidence float64
	DetectedAt time.Time
}

// Resolution is the outcome of dispatching a conflict to a strategy.
type Resolution struct {
	// Accepted reports whether the incoming change (possibly merged) should
	// be committed.
	Accepted bool
	// RequiresChoice reports that neither side was applied and both payloads
	// must be surfaced to the submitting client.
	RequiresChoice bool
	// Payload is the payload to commit when Accepted.
	Payload entity.Payload
	// Authoritative is the payload to return to a losing client.
	Authoritative entity.Payload
	Strategy      StrategyKind
	Confidence    float64
	Record        *Record
}

// Strategy reconciles one conflict. Implementations must be deterministic for
// a given (base payload, incoming payload) pair so behavior is reproducible.
type Strategy interface {
	Kind() StrategyKind
	Resolve(c Conflict) (Resolution, error)
}
