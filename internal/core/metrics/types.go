package metrics

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TotalAttribution is the synthetic attribution under which every event is
// aggregated regardless of its own attributions. Queries without an
// attribution filter read this bucket.
const TotalAttribution = "_total"

// AggregationType is the closed set of derivable aggregate kinds. Dispatch
// sites switch exhaustively on it; there is no default-to-string fallback.
type AggregationType string

const (
	// AggCount counts events, one increment per event per attribution.
	AggCount AggregationType = "COUNT"
	// AggSum accumulates a numeric payload field.
	AggSum AggregationType = "SUM"
	// AggCategory counts occurrences of each distinct value of a
	// string/boolean payload field.
	AggCategory AggregationType = "CATEGORY"
	// AggCompoundSum sums a numeric field broken down by the value of a
	// separate categorical field.
	AggCompoundSum AggregationType = "COMPOUND_SUM"
	// AggBoolean records a boolean field with per-event temporal resolution.
	// Boolean rows are append-only facts and are never merged.
	AggBoolean AggregationType = "BOOLEAN"
	// AggLeafSum sums a numeric field keyed by the full tuple of categorical
	// fields on the event. Leaf sums feed flat-group hierarchies.
	AggLeafSum AggregationType = "LEAF_SUM"
)

// ParseAggregationType validates s against the closed type set.
func ParseAggregationType(s string) (AggregationType, error) {
	switch t := AggregationType(s); t {
	case AggCount, AggSum, AggCategory, AggCompoundSum, AggBoolean, AggLeafSum:
		return t, nil
	default:
		return "", fmt.Errorf("unknown aggregation type %q", s)
	}
}

// Accumulates reports whether rows of this type merge via upsert-increment.
// BOOLEAN is the single append-only exception; collapsing it into the merge
// path would destroy its per-event resolution.
func (t AggregationType) Accumulates() bool {
	return t != AggBoolean
}

// Key identifies one aggregate row. Two deltas with equal keys land on the
// same durable row (for accumulating types) and must therefore be derived
// bit-identically on every path that sees the same event.
type Key struct {
	SourceID         string
	EventType        string
	Timestamp        time.Time
	Granularity      Granularity
	AttributionType  string
	AttributionValue string
	AggregationType  AggregationType

	// PayloadField is empty for COUNT.
	PayloadField string
	// PayloadCategory is the categorical value for CATEGORY/COMPOUND_SUM.
	PayloadCategory string
	// CompoundCategoryKey is the categorical field name for COMPOUND_SUM.
	CompoundCategoryKey string
	// LeafKey is the canonical JSON of all categorical fields, LEAF_SUM only.
	LeafKey string
}

// Delta is one metric update produced by derivation: a key plus the amount
// to add (or, for BOOLEAN, the 0/1 fact value).
type Delta struct {
	Key       Key
	Increment decimal.Decimal
}
