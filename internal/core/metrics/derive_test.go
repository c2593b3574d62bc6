package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
)

var deriveTime = time.Date(2026, 8, 29, 10, 17, 3, 0, time.UTC)

func deriveEvent(payload map[string]any) *v1.Event {
	return &v1.Event{
		UUID:        "uuid-1",
		SourceID:    "src-1",
		EventTypeID: "type-1",
		Timestamp:   deriveTime,
		Payload:     payload,
	}
}

func byType(deltas []Delta, t AggregationType) []Delta {
	var out []Delta
	for _, d := range deltas {
		if d.Key.AggregationType == t {
			out = append(out, d)
		}
	}
	return out
}

func TestDerive_NilEvent(t *testing.T) {
	require.Nil(t, Derive(nil, "payment", GranHour))
}

func TestDerive_EmptyPayloadStillCounts(t *testing.T) {
	deltas := Derive(deriveEvent(map[string]any{}), "payment", GranHour)
	require.Len(t, deltas, 1)
	require.Equal(t, AggCount, deltas[0].Key.AggregationType)
	require.Equal(t, TotalAttribution, deltas[0].Key.AttributionType)
	require.True(t, deltas[0].Increment.Equal(decimal.NewFromInt(1)))

	deltas = Derive(deriveEvent(nil), "payment", GranHour)
	require.Len(t, deltas, 1)
	require.Equal(t, AggCount, deltas[0].Key.AggregationType)
}

func TestDerive_TypeDispatch(t *testing.T) {
	deltas := Derive(deriveEvent(map[string]any{
		"amount":   12.5,
		"method":   "card",
		"approved": true,
	}), "payment", GranHour)

	bucket := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	counts := byType(deltas, AggCount)
	require.Len(t, counts, 1)
	require.Equal(t, bucket, counts[0].Key.Timestamp)
	require.Empty(t, counts[0].Key.PayloadField)

	sums := byType(deltas, AggSum)
	require.Len(t, sums, 1)
	require.Equal(t, "amount", sums[0].Key.PayloadField)
	require.True(t, sums[0].Increment.Equal(decimal.RequireFromString("12.5")))

	// booleans double as categories
	cats := byType(deltas, AggCategory)
	require.Len(t, cats, 2)
	wantCats := map[string]string{"approved": "true", "method": "card"}
	for _, d := range cats {
		require.Equal(t, wantCats[d.Key.PayloadField], d.Key.PayloadCategory)
	}

	bools := byType(deltas, AggBoolean)
	require.Len(t, bools, 1)
	require.Equal(t, "approved", bools[0].Key.PayloadField)
	// boolean facts keep the raw event timestamp
	require.Equal(t, deriveTime, bools[0].Key.Timestamp)
	require.True(t, bools[0].Increment.Equal(decimal.NewFromInt(1)))

	compounds := byType(deltas, AggCompoundSum)
	require.Len(t, compounds, 2)
	for _, d := range compounds {
		require.Equal(t, "amount", d.Key.PayloadField)
		require.Equal(t, wantCats[d.Key.CompoundCategoryKey], d.Key.PayloadCategory)
	}

	leaves := byType(deltas, AggLeafSum)
	require.Len(t, leaves, 1)
	require.Equal(t, "amount", leaves[0].Key.PayloadField)
	require.Equal(t, `{"approved":"true","method":"card"}`, leaves[0].Key.LeafKey)
	require.True(t, leaves[0].Increment.Equal(decimal.RequireFromString("12.5")))
}

func TestDerive_NonNumericFieldsProduceNoSum(t *testing.T) {
	deltas := Derive(deriveEvent(map[string]any{"method": "card"}), "payment", GranHour)
	require.Empty(t, byType(deltas, AggSum))
	require.Empty(t, byType(deltas, AggLeafSum))
	require.Len(t, byType(deltas, AggCategory), 1)
}

func TestDerive_CategoricalOnlyEmitsNoLeaf(t *testing.T) {
	// LEAF_SUM needs a numeric value to carry; a purely categorical
	// payload has nothing to sum per leaf.
	deltas := Derive(deriveEvent(map[string]any{"method": "card", "region": "eu"}), "payment", GranHour)
	require.Empty(t, byType(deltas, AggLeafSum))
}

func TestDerive_AttributionFanOut(t *testing.T) {
	event := deriveEvent(map[string]any{"amount": 5.0})
	event.Attributions = []v1.Attribution{{Type: "customer", Value: "c-1"}}

	deltas := Derive(event, "payment", GranHour)

	total := 0
	customer := 0
	for _, d := range deltas {
		switch d.Key.AttributionType {
		case TotalAttribution:
			total++
		case "customer":
			customer++
			require.Equal(t, "c-1", d.Key.AttributionValue)
		}
	}
	require.Equal(t, total, customer)
	require.Len(t, deltas, total+customer)
}

func TestDerive_Deterministic(t *testing.T) {
	payload := map[string]any{"amount": 12.5, "fee": 0.3, "method": "card", "region": "eu"}
	first := Derive(deriveEvent(payload), "payment", GranHour)
	second := Derive(deriveEvent(payload), "payment", GranHour)
	require.Equal(t, first, second)
}

func TestCoalesceDeltas(t *testing.T) {
	key := Key{
		SourceID: "src-1", EventType: "payment", Timestamp: deriveTime,
		Granularity: GranHour, AttributionType: TotalAttribution,
		AttributionValue: TotalAttribution, AggregationType: AggSum,
		PayloadField: "amount",
	}
	boolKey := key
	boolKey.AggregationType = AggBoolean
	boolKey.PayloadField = "approved"

	out := CoalesceDeltas([]Delta{
		{Key: key, Increment: decimal.NewFromInt(10)},
		{Key: boolKey, Increment: decimal.NewFromInt(1)},
		{Key: key, Increment: decimal.NewFromInt(5)},
		{Key: boolKey, Increment: decimal.NewFromInt(1)},
	})

	// same-key accumulators merge, boolean facts never do
	require.Len(t, out, 3)
	require.True(t, out[0].Increment.Equal(decimal.NewFromInt(15)))
	require.Equal(t, AggBoolean, out[1].Key.AggregationType)
	require.Equal(t, AggBoolean, out[2].Key.AggregationType)
}
