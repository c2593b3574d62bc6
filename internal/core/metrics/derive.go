package metrics

import (
	"encoding/json"
	"sort"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/shopspring/decimal"
)

// Derive analyzes one raw event and returns every metric delta it implies at
// the given storage granularity. It is pure and deterministic: the durable
// write path and the realtime buffer both call it for the same event and
// rely on getting bit-identical keys from both invocations.
//
// Per attribution (the synthetic total plus each recorded attribution):
//   - one COUNT delta (+1)
//   - one SUM delta per numeric payload field
//   - one CATEGORY delta per string/boolean payload field (+1, keyed by value)
//   - one BOOLEAN delta per boolean field, carrying the original untruncated
//     event timestamp
//   - one COMPOUND_SUM delta per (numeric field x categorical field) pair
//   - one LEAF_SUM delta per numeric field, keyed by the canonical tuple of
//     all categorical fields
//
// Timestamps for every accumulating type are floored to the storage bucket.
func Derive(event *v1.Event, eventType string, granularity Granularity) []Delta {
	if event == nil {
		return nil
	}

	// COUNT tracks occurrences, not fields, so an empty payload still
	// produces its count delta below.
	numeric := map[string]decimal.Decimal{}
	categorical := map[string]string{}
	boolean := map[string]bool{}
	for field, value := range event.Payload {
		switch val := value.(type) {
		case float64:
			numeric[field] = decimal.NewFromFloat(val)
		case float32:
			numeric[field] = decimal.NewFromFloat32(val)
		case int:
			numeric[field] = decimal.NewFromInt(int64(val))
		case int64:
			numeric[field] = decimal.NewFromInt(val)
		case json.Number:
			d, err := decimal.NewFromString(val.String())
			if err == nil {
				numeric[field] = d
			}
		case string:
			categorical[field] = val
		case bool:
			// Booleans double as categories so they participate in
			// compound breakdowns.
			if val {
				categorical[field] = "true"
			} else {
				categorical[field] = "false"
			}
			boolean[field] = val
		}
	}

	attributions := make([]v1.Attribution, 0, len(event.Attributions)+1)
	attributions = append(attributions, v1.Attribution{Type: TotalAttribution, Value: TotalAttribution})
	attributions = append(attributions, event.Attributions...)

	bucket := granularity.Truncate(event.Timestamp)
	leafKey := canonicalLeafKey(categorical)
	one := decimal.NewFromInt(1)

	// Iterate fields in sorted order so the delta slice is deterministic.
	numFields := sortedKeys(numeric)
	catFields := sortedKeys(categorical)
	boolFields := sortedKeys(boolean)

	var deltas []Delta
	for _, attr := range attributions {
		base := Key{
			SourceID:         event.SourceID,
			EventType:        eventType,
			Timestamp:        bucket,
			Granularity:      granularity,
			AttributionType:  attr.Type,
			AttributionValue: attr.Value,
		}

		countKey := base
		countKey.AggregationType = AggCount
		deltas = append(deltas, Delta{Key: countKey, Increment: one})

		for _, field := range numFields {
			k := base
			k.AggregationType = AggSum
			k.PayloadField = field
			deltas = append(deltas, Delta{Key: k, Increment: numeric[field]})
		}

		for _, field := range catFields {
			k := base
			k.AggregationType = AggCategory
			k.PayloadField = field
			k.PayloadCategory = categorical[field]
			deltas = append(deltas, Delta{Key: k, Increment: one})
		}

		for _, field := range boolFields {
			k := base
			k.AggregationType = AggBoolean
			k.PayloadField = field
			// Boolean facts keep per-event resolution.
			k.Timestamp = event.Timestamp
			inc := decimal.Zero
			if boolean[field] {
				inc = one
			}
			deltas = append(deltas, Delta{Key: k, Increment: inc})
		}

		for _, numField := range numFields {
			for _, catField := range catFields {
				k := base
				k.AggregationType = AggCompoundSum
				k.PayloadField = numField
				k.PayloadCategory = categorical[catField]
				k.CompoundCategoryKey = catField
				deltas = append(deltas, Delta{Key: k, Increment: numeric[numField]})
			}
		}

		if leafKey != "" {
			for _, numField := range numFields {
				k := base
				k.AggregationType = AggLeafSum
				k.PayloadField = numField
				k.LeafKey = leafKey
				deltas = append(deltas, Delta{Key: k, Increment: numeric[numField]})
			}
		}
	}

	return deltas
}

// CoalesceDeltas merges same-key accumulating deltas so one batched write
// never issues two upserts for the same row. BOOLEAN deltas pass through
// untouched and unmerged.
func CoalesceDeltas(deltas []Delta) []Delta {
	out := make([]Delta, 0, len(deltas))
	index := map[Key]int{}
	for _, d := range deltas {
		if !d.Key.AggregationType.Accumulates() {
			out = append(out, d)
			continue
		}
		if i, ok := index[d.Key]; ok {
			out[i].Increment = out[i].Increment.Add(d.Increment)
			continue
		}
		index[d.Key] = len(out)
		out = append(out, d)
	}
	return out
}

// canonicalLeafKey renders the categorical tuple as JSON with sorted keys.
// encoding/json sorts map keys, which is exactly the determinism LEAF_SUM
// needs: equal tuples always produce equal leaf keys.
func canonicalLeafKey(categorical map[string]string) string {
	if len(categorical) == 0 {
		return ""
	}
	b, err := json.Marshal(categorical)
	if err != nil {
		return ""
	}
	return string(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
