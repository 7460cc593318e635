package conflict

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/entity"
)

var (
	errMissingStrategy = errors.New("resolution strategy is required")
	noOpLogger         = zap.NewNop()
)

// ResolverError carries a dotted operation code alongside the cause.
type ResolverError struct {
	code string
	err  error
}

func (e *ResolverError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ResolverError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ResolverError) Code() string {
	return e.code
}

const (
	opResolverNew = "conflict.resolver.new"
	opResolve     = "conflict.resolve"
)

func newResolverError(operation, reason string, cause error) error {
	return &ResolverError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Decision is the resolver's verdict on one change request.
type Decision struct {
	// Conflicted reports whether the fast path was missed.
	Conflicted bool
	Type       Type
	Resolution Resolution
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Strategy Strategy
	Logger   *zap.Logger
}

// Resolver runs the detect/resolve pipeline for change requests. Commit is
// the caller's responsibility: a decision carries no side effects.
type Resolver struct {
	strategy Strategy
	logger   *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Strategy == nil {
		return nil, newResolverError(opResolverNew, "missing_strategy", errMissingStrategy)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{strategy: cfg.Strategy, logger: logger}, nil
}

// StrategyKind reports the configured strategy.
func (r *Resolver) StrategyKind() StrategyKind {
	return r.strategy.Kind()
}

// Resolve compares the request's base version against the entity's current
// version. A match is the fast-path accept; a mismatch dispatches to the
// configured strategy.
func (r *Resolver) Resolve(current *entity.Entity, request entity.ChangeRequest) (Decision, error) {
	if current == nil {
		if request.Operation != entity.OperationCreate && request.BaseVersion > 0 {
			// The client edited something that no longer exists server-side.
			return r.dispatch(Conflict{
				Key:      request.Key,
				Type:     TypeMissing,
				Base:     entity.Payload{},
				Incoming: request,
			})
		}
		return Decision{
			Resolution: Resolution{
				Accepted:   true,
				Payload:    request.Payload.Clone(),
				Strategy:   r.strategy.Kind(),
				Confidence: 1,
			},
		}, nil
	}

	if current.Lifecycle == entity.LifecycleSoftDeleted && request.Operation == entity.OperationUpdate {
		basePayload, err := current.Payload()
		if err != nil {
			r.logError(opResolve, "base_payload_decode_failed", err, request.Key)
			return Decision{}, newResolverError(opResolve, "base_payload_decode_failed", err)
		}
		return r.dispatch(Conflict{
			Key:            request.Key,
			Type:           TypeDeleted,
			Base:           basePayload,
			CurrentVersion: current.Version,
			BaseUpdatedAt:  current.UpdatedAtSeconds,
			Incoming:       request,
		})
	}

	if request.BaseVersion == current.Version {
		return Decision{
			Resolution: Resolution{
				Accepted:   true,
				Payload:    request.Payload.Clone(),
				Strategy:   r.strategy.Kind(),
				Confidence: 1,
			},
		}, nil
	}

	basePayload, err := current.Payload()
	if err != nil {
		r.logError(opResolve, "base_payload_decode_failed", err, request.Key)
		return Decision{}, newResolverError(opResolve, "base_payload_decode_failed", err)
	}

	return r.dispatch(Conflict{
		Key:            request.Key,
		Type:           TypeStaleVersion,
		Base:           basePayload,
		CurrentVersion: current.Version,
		BaseUpdatedAt:  current.UpdatedAtSeconds,
		Incoming:       request,
	})
}

func (r *Resolver) dispatch(c Conflict) (Decision, error) {
	resolution, err := r.strategy.Resolve(c)
	if err != nil {
		r.logError(opResolve, "strategy_failed", err, c.Key)
		return Decision{}, newResolverError(opResolve, "strategy_failed", err)
	}
	r.logger.Debug("conflict resolved",
		zap.String("entity_key", c.Key.String()),
		zap.String("conflict_type", string(c.Type)),
		zap.String("strategy", string(resolution.Strategy)),
		zap.Float64("confidence", resolution.Confidence),
		zap.Bool("accepted", resolution.Accepted))
	return Decision{Conflicted: true, Type: c.Type, Resolution: resolution}, nil
}

func (r *Resolver) logError(operation, reason string, err error, key entity.Key) {
	r.logger.Error("conflict resolver error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("entity_key", key.String()),
		zap.Error(err))
}
