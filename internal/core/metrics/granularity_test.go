package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("hour")
	require.NoError(t, err)
	require.Equal(t, GranHour, g)

	_, err = ParseGranularity("fortnight")
	require.Error(t, err)
	_, err = ParseGranularity("")
	require.Error(t, err)
}

func TestGranularity_Truncate(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 17, 3, 450*int(time.Millisecond), time.UTC)

	cases := []struct {
		gran Granularity
		want time.Time
	}{
		{Gran100ms, time.Date(2026, 8, 29, 10, 17, 3, 400*int(time.Millisecond), time.UTC)},
		{Gran500ms, time.Date(2026, 8, 29, 10, 17, 3, 0, time.UTC)},
		{GranSecond, time.Date(2026, 8, 29, 10, 17, 3, 0, time.UTC)},
		{GranMinute, time.Date(2026, 8, 29, 10, 17, 0, 0, time.UTC)},
		{Gran15Min, time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC)},
		{GranHour, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)},
		{Gran6Hour, time.Date(2026, 8, 29, 6, 0, 0, 0, time.UTC)},
		{GranDay, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(string(tc.gran), func(t *testing.T) {
			require.Equal(t, tc.want, tc.gran.Truncate(at))
		})
	}
}

func TestGranularity_TruncateMultiDayIsEpochAnchored(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	got := Gran7Day.Truncate(at)

	// epoch-anchored: the floor is a whole number of 7-day spans since
	// the Unix epoch, not a calendar week boundary
	require.Zero(t, got.UnixMilli()%Gran7Day.Millis())
	require.False(t, got.After(at))
	require.True(t, at.Sub(got) < Gran7Day.Duration())
}

func TestGranularity_TruncateIdempotent(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 17, 3, 0, time.UTC)
	for gran := range granularityMillis {
		once := gran.Truncate(at)
		require.Equal(t, once, gran.Truncate(once), "granularity %s", gran)
	}
}

func TestGranularity_TruncatePreEpoch(t *testing.T) {
	at := time.Date(1969, 12, 31, 23, 59, 30, 0, time.UTC)
	got := GranHour.Truncate(at)
	require.Equal(t, time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC), got)
	require.False(t, got.After(at))
}

func TestGranularity_Millis(t *testing.T) {
	require.EqualValues(t, 100, Gran100ms.Millis())
	require.EqualValues(t, 60*60*1000, GranHour.Millis())
	require.EqualValues(t, 90*24*60*60*1000, Gran90Day.Millis())
	require.Equal(t, time.Hour, GranHour.Duration())
}
