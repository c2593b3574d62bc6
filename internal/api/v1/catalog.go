package v1

// RetentionPolicy controls how long hot data is kept before the lifecycle
// scanner offloads and drops it.
type RetentionPolicy struct {
	HotDays         int    `json:"hot_days" yaml:"hot_days"`
	OffloaderPlugin string `json:"offloader_plugin,omitempty" yaml:"offloader_plugin,omitempty"`
}

// EventSourceDefinition identifies a logical origin of events, e.g. "stripe"
// or "checkout_service". Source names are unique; ids are immutable.
type EventSourceDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Retention   *RetentionPolicy `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// EventType classifies events within a source ("payment_succeeded",
// "user_signup"). A type must exist before events of that type are recorded.
type EventType struct {
	ID          string `json:"id"`
	SourceID    string `json:"source_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Schema optionally constrains payload field kinds: field name to one of
	// "number", "string", "boolean". Empty means schema-light (anything goes).
	Schema map[string]string `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Report is a named, queryable aggregation configuration. Inactive reports
// are excluded from the durable pipeline but stay queryable historically.
type Report struct {
	ID          string `json:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Active      bool   `json:"active" yaml:"active"`
}

// SourceRef names one event source inside an aggregation-source filter.
type SourceRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// AggregationSourceFilter narrows which events feed an aggregation source.
// Empty Sources or Events match everything.
type AggregationSourceFilter struct {
	Sources []SourceRef `json:"sources" yaml:"sources"`
	Events  []string    `json:"events" yaml:"events"`
}

// MatchesSource reports whether the filter admits the given source id.
func (f AggregationSourceFilter) MatchesSource(sourceID string) bool {
	if len(f.Sources) == 0 {
		return true
	}
	for _, s := range f.Sources {
		if s.ID == sourceID {
			return true
		}
	}
	return false
}

// MatchesEvent reports whether the filter admits the given event type name.
func (f AggregationSourceFilter) MatchesEvent(eventType string) bool {
	if len(f.Events) == 0 {
		return true
	}
	for _, e := range f.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// PartitionConfig enables ordinal time-partitioned storage for an
// aggregation source. Length is the number of storage-granularity buckets
// that share one partition table.
type PartitionConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Length  int  `json:"length" yaml:"length"`
}

// AggregationSource binds a report to a filtered subset of sources and event
// types, a storage granularity, an optional partitioning scheme and an
// optional retention policy. One report may fan out to many of these.
type AggregationSource struct {
	ID               string                  `json:"id"`
	ReportID         string                  `json:"report_id"`
	TargetCollection string                  `json:"target_collection" yaml:"target_collection"`
	Granularity      string                  `json:"granularity" yaml:"granularity"`
	Filter           AggregationSourceFilter `json:"filter" yaml:"filter"`
	Partition        *PartitionConfig        `json:"partition,omitempty" yaml:"partition,omitempty"`
	Retention        *RetentionPolicy        `json:"retention,omitempty" yaml:"retention,omitempty"`
}
