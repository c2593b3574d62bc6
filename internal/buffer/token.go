package buffer

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strata-analytics/strata/internal/core/metrics"
)

// tokenSegments is the fixed field count of an encoded buffer entry.
const tokenSegments = 12

// seq disambiguates entries that would otherwise collide. A sorted set keeps
// one copy of identical members, but two events can legitimately produce the
// same delta at the same millisecond; the trailing sequence number keeps both.
var seq atomic.Uint64

// Entry is one buffered metric delta, the ephemeral twin of a durable
// metrics.Delta. Timestamp is carried by the sorted-set score, not the token.
type Entry struct {
	Value               decimal.Decimal
	AggregationType     metrics.AggregationType
	PayloadField        string
	PayloadCategory     string
	CompoundCategoryKey string
	LeafKey             string
	AttributionType     string
	AttributionValue    string
	SourceID            string
	EventType           string
	Granularity         metrics.Granularity
	Timestamp           time.Time
}

// encodeToken renders an entry as a colon-delimited sorted-set member.
// Free-text segments are query-escaped so user strings containing colons
// survive the round trip; the leaf key is JSON and gets base64 instead.
func encodeToken(e Entry) string {
	segments := []string{
		e.Value.String(),
		string(e.AggregationType),
		url.QueryEscape(e.PayloadField),
		url.QueryEscape(e.PayloadCategory),
		url.QueryEscape(e.CompoundCategoryKey),
		base64.RawURLEncoding.EncodeToString([]byte(e.LeafKey)),
		url.QueryEscape(e.AttributionType),
		url.QueryEscape(e.AttributionValue),
		url.QueryEscape(e.SourceID),
		url.QueryEscape(e.EventType),
		string(e.Granularity),
		strconv.FormatUint(seq.Add(1), 10),
	}
	return strings.Join(segments, ":")
}

// decodeToken parses a sorted-set member back into an entry. The trailing
// sequence number is parsed only to validate the token shape.
func decodeToken(token string) (Entry, error) {
	segments := strings.Split(token, ":")
	if len(segments) != tokenSegments {
		return Entry{}, fmt.Errorf("buffer token has %d segments, want %d", len(segments), tokenSegments)
	}

	value, err := decimal.NewFromString(segments[0])
	if err != nil {
		return Entry{}, fmt.Errorf("buffer token value %q: %w", segments[0], err)
	}
	if _, err := strconv.ParseUint(segments[11], 10, 64); err != nil {
		return Entry{}, fmt.Errorf("buffer token sequence %q: %w", segments[11], err)
	}

	unescape := func(s string) (string, error) {
		out, err := url.QueryUnescape(s)
		if err != nil {
			return "", fmt.Errorf("buffer token segment %q: %w", s, err)
		}
		return out, nil
	}

	e := Entry{Value: value, AggregationType: metrics.AggregationType(segments[1])}
	if e.PayloadField, err = unescape(segments[2]); err != nil {
		return Entry{}, err
	}
	if e.PayloadCategory, err = unescape(segments[3]); err != nil {
		return Entry{}, err
	}
	if e.CompoundCategoryKey, err = unescape(segments[4]); err != nil {
		return Entry{}, err
	}
	leafKey, err := base64.RawURLEncoding.DecodeString(segments[5])
	if err != nil {
		return Entry{}, fmt.Errorf("buffer token leaf key %q: %w", segments[5], err)
	}
	e.LeafKey = string(leafKey)
	if e.AttributionType, err = unescape(segments[6]); err != nil {
		return Entry{}, err
	}
	if e.AttributionValue, err = unescape(segments[7]); err != nil {
		return Entry{}, err
	}
	if e.SourceID, err = unescape(segments[8]); err != nil {
		return Entry{}, err
	}
	if e.EventType, err = unescape(segments[9]); err != nil {
		return Entry{}, err
	}
	e.Granularity = metrics.Granularity(segments[10])
	return e, nil
}

// FromDelta converts a durable metric delta into its buffered twin.
func FromDelta(d metrics.Delta) Entry {
	return Entry{
		Value:               d.Increment,
		AggregationType:     d.Key.AggregationType,
		PayloadField:        d.Key.PayloadField,
		PayloadCategory:     d.Key.PayloadCategory,
		CompoundCategoryKey: d.Key.CompoundCategoryKey,
		LeafKey:             d.Key.LeafKey,
		AttributionType:     d.Key.AttributionType,
		AttributionValue:    d.Key.AttributionValue,
		SourceID:            d.Key.SourceID,
		EventType:           d.Key.EventType,
		Granularity:         d.Key.Granularity,
		Timestamp:           d.Key.Timestamp,
	}
}
