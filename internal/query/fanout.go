package query

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/buffer"
	"github.com/strata-analytics/strata/internal/core/metrics"
	"github.com/strata-analytics/strata/internal/core/partition"
	"github.com/strata-analytics/strata/internal/core/storage"
)

// want selects which row kinds a fan-out collects.
type want struct {
	aggregates bool
	booleans   bool
	leaves     bool
}

// fanoutResult accumulates rows across sources and storage units. Order is
// not meaningful here; shaping happens downstream.
type fanoutResult struct {
	mu         sync.Mutex
	aggregates []storage.AggregateRow
	booleans   []storage.BooleanRow
	leaves     []leafHit
	entries    []buffer.Entry
}

// leafHit tags a leaf row with the granularity it was stored at, for the
// flat-group granularity pseudo-level.
type leafHit struct {
	row  storage.LeafRow
	gran metrics.Granularity
}

// storageUnits enumerates the durable tables of src touched by the range.
func storageUnits(src *v1.AggregationSource, timeRange v1.TimeRange) ([]string, error) {
	prefix := storage.CollectionTableName(src.TargetCollection)
	if src.Partition == nil || !src.Partition.Enabled {
		return []string{prefix}, nil
	}
	gran, err := metrics.ParseGranularity(src.Granularity)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}
	return partition.NamesForRange(prefix, timeRange, gran, src.Partition.Length), nil
}

// fanOut reads every storage unit of every source concurrently. Tables that
// do not exist read as empty, so the enumeration never needs an existence
// pre-check. When realtime is non-empty and a buffer is wired, each source's
// buffer target is scanned for the realtime tail of the range.
func (e *Engine) fanOut(ctx context.Context, sources []*v1.AggregationSource, filter storage.AggregateFilter, w want, realtime v1.TimeRange) (*fanoutResult, error) {
	res := &fanoutResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	durableRange := filter.TimeRange
	for _, src := range sources {
		src := src
		if !emptyRange(durableRange) {
			tables, err := storageUnits(src, durableRange)
			if err != nil {
				return nil, err
			}
			for _, table := range tables {
				table := table
				g.Go(func() error {
					return e.readUnit(gctx, table, filter, w, res)
				})
			}
		}
		if e.buffer != nil && !emptyRange(realtime) {
			g.Go(func() error {
				bufFilter := filter
				bufFilter.TimeRange = realtime
				entries, err := e.buffer.Query(gctx, src.TargetCollection, realtime, bufFilter)
				if err != nil {
					return fmt.Errorf("buffer %s: %w", src.TargetCollection, err)
				}
				res.mu.Lock()
				res.entries = append(res.entries, entries...)
				res.mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) readUnit(ctx context.Context, table string, filter storage.AggregateFilter, w want, res *fanoutResult) error {
	if w.aggregates {
		rows, err := e.metrics.QueryAggregates(ctx, table, filter)
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		res.mu.Lock()
		res.aggregates = append(res.aggregates, rows...)
		res.mu.Unlock()
	}
	if w.booleans {
		rows, err := e.metrics.QueryBooleans(ctx, table, filter)
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		res.mu.Lock()
		res.booleans = append(res.booleans, rows...)
		res.mu.Unlock()
	}
	if w.leaves {
		rows, err := e.metrics.QueryLeaves(ctx, table, filter)
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		gran := metrics.Granularity("")
		if len(filter.Granularities) == 1 {
			gran = filter.Granularities[0]
		}
		res.mu.Lock()
		for _, row := range rows {
			res.leaves = append(res.leaves, leafHit{row: row, gran: gran})
		}
		res.mu.Unlock()
	}
	return nil
}
