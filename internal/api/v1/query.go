package v1

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricSelector picks the single aggregate a report query reads.
type MetricSelector struct {
	// Type is one of the aggregation type names: COUNT, SUM, CATEGORY,
	// COMPOUND_SUM, BOOLEAN, LEAF_SUM.
	Type string `json:"type"`
	// Field is the payload field for SUM/CATEGORY/COMPOUND_SUM/LEAF_SUM.
	Field string `json:"field,omitempty"`
}

// Query asks for a single-metric time series from a report.
type Query struct {
	ReportID    string         `json:"report_id"`
	Metric      MetricSelector `json:"metric"`
	Attribution *Attribution   `json:"attribution,omitempty"`
	TimeRange   TimeRange      `json:"time_range"`
	Granularity string         `json:"granularity"`

	// RebuildCache bypasses and overwrites any existing cache entries.
	RebuildCache bool `json:"rebuild_cache,omitempty"`
	// Cache opts this query into caching when the cache runs in controlled mode.
	Cache bool `json:"cache,omitempty"`
}

// DatasetQuery asks for every metric of a report in one pass. If Metrics is
// non-empty, COUNT and BOOLEAN are always included and SUM/COMPOUND_SUM are
// restricted to the listed payload fields.
type DatasetQuery struct {
	ReportID     string       `json:"report_id"`
	Metrics      []string     `json:"metrics,omitempty"`
	Attribution  *Attribution `json:"attribution,omitempty"`
	TimeRange    TimeRange    `json:"time_range"`
	Granularity  string       `json:"granularity"`
	RebuildCache bool         `json:"rebuild_cache,omitempty"`
	Cache        bool         `json:"cache,omitempty"`
}

// GroupsQuery is a dataset query that additionally breaks CATEGORY and
// COMPOUND_SUM rows out into named sub-groups per requested group-by field.
type GroupsQuery struct {
	DatasetQuery
	GroupBy []string `json:"group_by"`
}

// FlatGroupsQuery builds a recursive group hierarchy from leaf aggregates
// and flattens it into parent-linked rows.
type FlatGroupsQuery struct {
	DatasetQuery
	GroupBy []string `json:"group_by"`
	// GroupByGranularity, when set, prefixes the hierarchy with a
	// cross-cutting granularity pseudo-level and reads leaves stored at each
	// of the listed granularities.
	GroupByGranularity []string `json:"group_by_granularity,omitempty"`
	// SortBy orders siblings at every level. Empty means "sort by the node's
	// own group value". The special value "timestamp" sorts most recent first.
	SortBy string `json:"sort_by,omitempty"`
}

// ReportPoint is a single data point in a single-metric time series.
type ReportPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
	// Category is set for CATEGORY queries only.
	Category string `json:"category,omitempty"`
}

// BooleanOccurrence is one boolean fact inside a dataset bucket. Timestamp
// is the original event time, not the bucket time.
type BooleanOccurrence struct {
	Name      string    `json:"name"`
	Value     bool      `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// GroupEntry is one named sub-group in a grouped aggregation bucket.
type GroupEntry struct {
	Name    string                     `json:"name"`
	Metrics map[string]decimal.Decimal `json:"metrics"`
}

// DatasetPoint is one time bucket of a multi-metric dataset. Metric keys
// follow the derived-naming contract: "<eventType>_count", "<field>_sum",
// "<field>_by_<value>", "<field>_sum_by_<categoryField>_<categoryValue>".
type DatasetPoint struct {
	Timestamp     time.Time                  `json:"timestamp"`
	Metrics       map[string]decimal.Decimal `json:"metrics,omitempty"`
	BooleanGroups []BooleanOccurrence        `json:"$boolean_groups,omitempty"`
	// Groups holds "group_by_<field>" breakdowns for grouped queries,
	// keyed by the group-by field name.
	Groups map[string][]GroupEntry `json:"groups,omitempty"`
}

// FlatGroupRow is one node of a flattened group hierarchy. ParentIDs is the
// chain of ancestor ids, nil at the root; Fields carries the resolved value
// of every group-by field at this node (nil where not yet resolved).
type FlatGroupRow struct {
	ID          string             `json:"id"`
	ParentIDs   []string           `json:"$parent_id"`
	GroupBy     string             `json:"$group_by"`
	GroupLevel  int                `json:"$group_level"`
	IsGroupRoot bool               `json:"$is_group_root"`
	Metric      string             `json:"metric"`
	Value       decimal.Decimal    `json:"value"`
	Timestamp   int64              `json:"timestamp"`
	Fields      map[string]*string `json:"fields"`
}
