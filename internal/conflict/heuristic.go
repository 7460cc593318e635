package conflict

import (
	"math"

	"github.com/stafflink/rosterhub/internal/entity"
)

// Features are the inputs scored by a classifier. They are derived purely
// from the two payloads and their timestamps, never from external state.
type Features struct {
	// FieldOverlap is the fraction of incoming fields that also exist in the
	// base payload, in [0, 1].
	FieldOverlap float64
	// ValueAgreement is the fraction of overlapping fields whose values
	// already agree, in [0, 1].
	ValueAgreement float64
	// RecencyGapSeconds is the absolute distance between the two writes.
	RecencyGapSeconds float64
	// IncomingNewer reports which side wrote last.
	IncomingNewer bool
}

// ClassifierFunc scores a conflicting pair and selects the strategy to apply
// with a confidence in [0, 1]. Implementations must be pure so a fixed stub
// can substitute for the default under test.
type ClassifierFunc func(base, incoming entity.Payload, features Features) (StrategyKind, float64)

// Heuristic scores a conflict and delegates to one of the deterministic
// strategies when the classifier's confidence clears the threshold; below the
// threshold it always falls back to UserChoice. This is a bounded decision
// function, not a trained model.
type Heuristic struct {
	classify   ClassifierFunc
	threshold  float64
	strategies map[StrategyKind]Strategy
	fallback   Strategy
}

// NewHeuristic wires the classifier with its delegates. A nil classifier uses
// DefaultClassifier.
func NewHeuristic(classify ClassifierFunc, threshold float64, merge Merge) *Heuristic {
	if classify == nil {
		classify = DefaultClassifier
	}
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	return &Heuristic{
		classify:  classify,
		threshold: threshold,
		strategies: map[StrategyKind]Strategy{
			StrategyLastWriterWins:  LastWriterWins{},
			StrategyFirstWriterWins: FirstWriterWins{},
			StrategyMerge:           merge,
		},
		fallback: UserChoice{},
	}
}

// Kind identifies the strategy.
func (*Heuristic) Kind() StrategyKind { return StrategyHeuristic }

// Resolve scores the pair and dispatches.
func (h *Heuristic) Resolve(c Conflict) (Resolution, error) {
	features := ExtractFeatures(c)
	kind, confidence := h.classify(c.Base, c.Incoming.Payload, features)

	delegate, known := h.strategies[kind]
	if !known || confidence < h.threshold {
		resolution, err := h.fallback.Resolve(c)
		if err != nil {
			return Resolution{}, err
		}
		resolution.Confidence = confidence
		if resolution.Record != nil {
			resolution.Record.Confidence = confidence
		}
		return resolution, nil
	}

	resolution, err := delegate.Resolve(c)
	if err != nil {
		return Resolution{}, err
	}
	resolution.Confidence = confidence
	if resolution.Record != nil {
		resolution.Record.Confidence = confidence
	}
	return resolution, nil
}

// ExtractFeatures derives classifier inputs from a conflict.
func ExtractFeatures(c Conflict) Features {
	incoming := c.Incoming.Payload
	base := c.Base

	overlap := 0
	agree := 0
	for field, incomingValue := range incoming {
		baseValue, present := base[field]
		if !present {
			continue
		}
		overlap++
		if equalValues(baseValue, incomingValue) {
			agree++
		}
	}

	features := Features{
		RecencyGapSeconds: math.Abs(float64(c.Incoming.SubmittedAt.Unix() - c.BaseUpdatedAt)),
		IncomingNewer:     c.Incoming.SubmittedAt.Unix() > c.BaseUpdatedAt,
	}
	if len(incoming) > 0 {
		features.FieldOverlap = float64(overlap) / float64(len(incoming))
	}
	if overlap > 0 {
		features.ValueAgreement = float64(agree) / float64(overlap)
	}
	return features
}

// DefaultClassifier is the stock scoring policy. The exact weights are a
// replaceable policy, not a contract: disjoint edits merge cleanly, heavily
// overlapping edits go to the most recent writer, and anything ambiguous
// scores low so the threshold routes it to manual choice.
func DefaultClassifier(base, incoming entity.Payload, features Features) (StrategyKind, float64) {
	switch {
	case features.FieldOverlap == 0:
		// Fully disjoint edits merge without losing either side.
		return StrategyMerge, 0.95
	case features.ValueAgreement == 1:
		// Overlapping fields already agree; merging is safe.
		return StrategyMerge, 0.9
	case features.RecencyGapSeconds >= 60 && features.IncomingNewer:
		// A much newer write usually supersedes a stale one.
		return StrategyLastWriterWins, 0.8
	case features.RecencyGapSeconds >= 60 && !features.IncomingNewer:
		return StrategyFirstWriterWins, 0.8
	case features.FieldOverlap < 0.5:
		return StrategyMerge, 0.6
	default:
		// Near-simultaneous edits of the same fields are genuinely ambiguous.
		return StrategyUserChoice, 0.3
	}
}
