package metrics

import (
	"fmt"
	"time"
)

// Granularity is the time-bucket width used to truncate and group event
// timestamps. The set is closed: storage and query paths both validate
// against it so a typo cannot silently desynchronize the two tiers.
type Granularity string

const (
	Gran100ms   Granularity = "100ms"
	Gran200ms   Granularity = "200ms"
	Gran250ms   Granularity = "250ms"
	Gran500ms   Granularity = "500ms"
	GranSecond  Granularity = "second"
	GranMinute  Granularity = "minute"
	Gran5Minute Granularity = "5minute"
	Gran10Min   Granularity = "10minute"
	Gran15Min   Granularity = "15minute"
	Gran30Min   Granularity = "30minute"
	GranHour    Granularity = "hour"
	Gran2Hour   Granularity = "2hour"
	Gran4Hour   Granularity = "4hour"
	Gran6Hour   Granularity = "6hour"
	Gran12Hour  Granularity = "12hour"
	GranDay     Granularity = "day"
	Gran3Day    Granularity = "3day"
	Gran7Day    Granularity = "7day"
	Gran15Day   Granularity = "15day"
	Gran30Day   Granularity = "30day"
	Gran45Day   Granularity = "45day"
	Gran60Day   Granularity = "60day"
	Gran90Day   Granularity = "90day"
)

var granularityMillis = map[Granularity]int64{
	Gran100ms:   100,
	Gran200ms:   200,
	Gran250ms:   250,
	Gran500ms:   500,
	GranSecond:  1000,
	GranMinute:  60 * 1000,
	Gran5Minute: 5 * 60 * 1000,
	Gran10Min:   10 * 60 * 1000,
	Gran15Min:   15 * 60 * 1000,
	Gran30Min:   30 * 60 * 1000,
	GranHour:    60 * 60 * 1000,
	Gran2Hour:   2 * 60 * 60 * 1000,
	Gran4Hour:   4 * 60 * 60 * 1000,
	Gran6Hour:   6 * 60 * 60 * 1000,
	Gran12Hour:  12 * 60 * 60 * 1000,
	GranDay:     24 * 60 * 60 * 1000,
	Gran3Day:    3 * 24 * 60 * 60 * 1000,
	Gran7Day:    7 * 24 * 60 * 60 * 1000,
	Gran15Day:   15 * 24 * 60 * 60 * 1000,
	Gran30Day:   30 * 24 * 60 * 60 * 1000,
	Gran45Day:   45 * 24 * 60 * 60 * 1000,
	Gran60Day:   60 * 24 * 60 * 60 * 1000,
	Gran90Day:   90 * 24 * 60 * 60 * 1000,
}

// ParseGranularity validates s against the closed granularity set.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if _, ok := granularityMillis[g]; !ok {
		return "", fmt.Errorf("unknown granularity %q", s)
	}
	return g, nil
}

// Valid reports whether g is a member of the closed granularity set.
func (g Granularity) Valid() bool {
	_, ok := granularityMillis[g]
	return ok
}

// Millis returns the bucket width in milliseconds.
func (g Granularity) Millis() int64 {
	return granularityMillis[g]
}

// Duration returns the bucket width as a time.Duration.
func (g Granularity) Duration() time.Duration {
	return time.Duration(g.Millis()) * time.Millisecond
}

// Truncate floors t to the start of its bucket in UTC. The floor is taken on
// the Unix-epoch millisecond clock; because every sub-day granularity evenly
// divides the units above it (500ms into seconds, 5 minutes into hours,
// 6 hours into days) the epoch floor coincides with the calendar floor, and
// multi-day granularities are defined as epoch-anchored windows.
func (g Granularity) Truncate(t time.Time) time.Time {
	ms := g.Millis()
	if ms <= 0 {
		return t.UTC()
	}
	epoch := t.UnixMilli()
	floored := epoch - (epoch % ms)
	if epoch < 0 && epoch%ms != 0 {
		floored -= ms
	}
	return time.UnixMilli(floored).UTC()
}
