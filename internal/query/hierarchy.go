package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// GranularityLevel is the pseudo-field name of the cross-cutting granularity
// level a flat-groups query can prefix its hierarchy with.
const GranularityLevel = "granularity"

// GetFlatGroupsAggregation builds a group hierarchy from LEAF_SUM aggregates
// and flattens it depth-first into parent-linked rows a client can render as
// a lazily expanded tree.
func (e *Engine) GetFlatGroupsAggregation(ctx context.Context, q v1.FlatGroupsQuery) ([]v1.FlatGroupRow, error) {
	compute := func() ([]v1.FlatGroupRow, error) {
		return e.computeFlatGroups(ctx, q, false)
	}
	return cachedResult(ctx, e.cache, q, q.Cache, q.RebuildCache, q.ReportID, q.TimeRange, compute)
}

// GetFlatGroupsAggregationRealtime merges buffered leaves in. Never cached.
func (e *Engine) GetFlatGroupsAggregationRealtime(ctx context.Context, q v1.FlatGroupsQuery) ([]v1.FlatGroupRow, error) {
	return e.computeFlatGroups(ctx, q, true)
}

func (e *Engine) computeFlatGroups(ctx context.Context, q v1.FlatGroupsQuery, realtime bool) ([]v1.FlatGroupRow, error) {
	if len(q.GroupBy) == 0 {
		return nil, fmt.Errorf("flat groups query requires at least one group-by field")
	}
	if len(q.Metrics) == 0 {
		return nil, fmt.Errorf("flat groups query requires a metric field")
	}
	field := q.Metrics[0]

	sources, err := e.resolveSources(ctx, q.ReportID)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return []v1.FlatGroupRow{}, nil
	}

	levels := q.GroupBy
	if len(q.GroupByGranularity) > 0 {
		levels = append([]string{GranularityLevel}, q.GroupBy...)
	}

	attrType, attrValue := attributionFilter(q.Attribution)
	filter := storage.AggregateFilter{
		AttributionType:  attrType,
		AttributionValue: attrValue,
		AggregationType:  metrics.AggLeafSum,
		PayloadField:     field,
	}

	durable, tail := q.TimeRange, v1.TimeRange{}
	if realtime {
		durable, tail = e.splitRealtime(q.TimeRange)
	}

	builder := newHierarchy(levels, field+"_sum", q.SortBy)

	// Leaves collapse per storage unit, so the granularity pseudo-level needs
	// one durable pass per requested granularity to keep them apart.
	grans := []metrics.Granularity{""}
	if len(q.GroupByGranularity) > 0 {
		grans = grans[:0]
		for _, g := range q.GroupByGranularity {
			gran, err := metrics.ParseGranularity(g)
			if err != nil {
				return nil, err
			}
			grans = append(grans, gran)
		}
	}
	if !emptyRange(durable) {
		for _, gran := range grans {
			passFilter := filter
			passFilter.TimeRange = durable
			if gran != "" {
				passFilter.Granularities = []metrics.Granularity{gran}
			}
			res, err := e.fanOut(ctx, sources, passFilter, want{leaves: true}, v1.TimeRange{})
			if err != nil {
				return nil, err
			}
			for _, hit := range res.leaves {
				builder.addLeaf(hit.row.Group, string(hit.gran), hit.row.Value, hit.row.Timestamp)
			}
		}
	}

	if !emptyRange(tail) {
		// Buffered entries carry their own granularity, so one scan covers
		// every pseudo-level.
		tailFilter := filter
		tailFilter.TimeRange = v1.TimeRange{}
		if len(q.GroupByGranularity) > 0 {
			tailFilter.Granularities = grans
		}
		res, err := e.fanOut(ctx, sources, tailFilter, want{}, tail)
		if err != nil {
			return nil, err
		}
		for _, entry := range res.entries {
			if entry.AggregationType != metrics.AggLeafSum || entry.PayloadField != field {
				continue
			}
			group := map[string]string{}
			if entry.LeafKey != "" {
				if err := json.Unmarshal([]byte(entry.LeafKey), &group); err != nil {
					continue
				}
			}
			builder.addLeaf(group, string(entry.Granularity), entry.Value, entry.Timestamp)
		}
	}

	return builder.flatten(), nil
}

// hierarchy accumulates leaf aggregates into a tree following the group-by
// field order and flattens it into rows with stable ids and parent chains.
type hierarchy struct {
	levels []string
	metric string
	sortBy string
	root   *groupNode
}

type groupNode struct {
	label     string
	path      []string
	value     decimal.Decimal
	timestamp time.Time
	children  map[string]*groupNode
}

func newHierarchy(levels []string, metric, sortBy string) *hierarchy {
	return &hierarchy{
		levels: levels,
		metric: metric,
		sortBy: sortBy,
		root:   &groupNode{children: make(map[string]*groupNode)},
	}
}

// addLeaf walks one leaf aggregate down the level order, accumulating value
// and most-recent timestamp at every node it passes through.
func (h *hierarchy) addLeaf(group map[string]string, granularity string, value decimal.Decimal, ts time.Time) {
	node := h.root
	for _, level := range h.levels {
		label := group[level]
		if level == GranularityLevel {
			label = granularity
		}
		child, ok := node.children[label]
		if !ok {
			child = &groupNode{
				label:    label,
				path:     append(append([]string{}, node.path...), label),
				children: make(map[string]*groupNode),
			}
			node.children[label] = child
		}
		child.value = child.value.Add(value)
		if ts.After(child.timestamp) {
			child.timestamp = ts
		}
		node = child
	}
}

// flatten emits the tree depth-first. Row ids are content-derived from the
// node's label path, so the same data always yields the same ids and a
// client can correlate rows across refreshes.
func (h *hierarchy) flatten() []v1.FlatGroupRow {
	rows := []v1.FlatGroupRow{}
	h.walk(h.root, nil, &rows)
	return rows
}

func (h *hierarchy) walk(node *groupNode, ancestors []string, rows *[]v1.FlatGroupRow) {
	children := make([]*groupNode, 0, len(node.children))
	for _, child := range node.children {
		children = append(children, child)
	}
	h.sortSiblings(children)

	for _, child := range children {
		depth := len(child.path) - 1
		row := v1.FlatGroupRow{
			ID:          nodeID(child.path),
			ParentIDs:   append([]string{}, ancestors...),
			GroupBy:     h.levels[depth],
			GroupLevel:  depth,
			IsGroupRoot: depth == 0,
			Metric:      h.metric,
			Value:       child.value,
			Timestamp:   child.timestamp.UnixMilli(),
			Fields:      h.resolveFields(child.path),
		}
		if len(row.ParentIDs) == 0 {
			row.ParentIDs = nil
		}
		*rows = append(*rows, row)

		h.walk(child, append(append([]string{}, ancestors...), row.ID), rows)
	}
}

// resolveFields renders every level field at this node: the resolved label
// down to the node's depth, nil below it.
func (h *hierarchy) resolveFields(path []string) map[string]*string {
	fields := make(map[string]*string, len(h.levels))
	for i, level := range h.levels {
		if i < len(path) {
			label := path[i]
			fields[level] = &label
		} else {
			fields[level] = nil
		}
	}
	return fields
}

// sortSiblings orders one level of the tree. Default is by the node's own
// group label, numerically when both sides parse as numbers, case-sensitive
// string compare otherwise; "value" sorts largest first and "timestamp"
// most recent first.
func (h *hierarchy) sortSiblings(nodes []*groupNode) {
	sort.Slice(nodes, func(i, j int) bool {
		switch h.sortBy {
		case "timestamp":
			return nodes[i].timestamp.After(nodes[j].timestamp)
		case "value":
			return nodes[i].value.GreaterThan(nodes[j].value)
		default:
			a, errA := decimal.NewFromString(nodes[i].label)
			b, errB := decimal.NewFromString(nodes[j].label)
			if errA == nil && errB == nil {
				return a.LessThan(b)
			}
			return nodes[i].label < nodes[j].label
		}
	})
}

// nodeID derives a stable id from the label path. Labels are length-framed
// before hashing so ("ab","c") and ("a","bc") cannot collide.
func nodeID(path []string) string {
	hash := sha256.New()
	for _, label := range path {
		fmt.Fprintf(hash, "%d:%s", len(label), label)
	}
	return hex.EncodeToString(hash.Sum(nil)[:16])
}
