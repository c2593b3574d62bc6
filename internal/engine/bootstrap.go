package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
)

// Bootstrap declarations let a deployment ship its catalog as YAML: event
// sources with their types, and reports with their aggregation sources.
// Applying is idempotent, so the directory can be re-applied on every
// startup and only additions take effect.

type bootstrapSource struct {
	v1.EventSourceDefinition `yaml:",inline"`
	EventTypes               []v1.EventType `yaml:"event_types"`
}

type bootstrapReport struct {
	v1.Report          `yaml:",inline"`
	AggregationSources []v1.AggregationSource `yaml:"aggregation_sources"`
}

type bootstrapFile struct {
	Sources []bootstrapSource `yaml:"sources"`
	Reports []bootstrapReport `yaml:"reports"`
}

// Bootstrap applies every YAML declaration file in dir, in filename order.
// Sources are applied before reports so filter references resolve within
// one pass.
func (e *Engine) Bootstrap(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("bootstrap: read %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		if err := e.applyBootstrapFile(ctx, path); err != nil {
			return fmt.Errorf("bootstrap: %s: %w", filepath.Base(path), err)
		}
	}
	if len(files) > 0 {
		slog.Info("[Engine] Bootstrap applied", "dir", dir, "files", len(files))
	}
	return nil
}

func (e *Engine) applyBootstrapFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var decl bootstrapFile
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	for _, src := range decl.Sources {
		created, err := e.CreateEventSource(ctx, &src.EventSourceDefinition)
		if err != nil {
			return fmt.Errorf("source %q: %w", src.Name, err)
		}
		for _, et := range src.EventTypes {
			et.SourceID = created.ID
			if _, err := e.DefineEventType(ctx, &et); err != nil {
				return fmt.Errorf("event type %q: %w", et.Name, err)
			}
		}
	}

	for _, rep := range decl.Reports {
		created, err := e.CreateReport(ctx, &rep.Report)
		if err != nil {
			return fmt.Errorf("report %q: %w", rep.Name, err)
		}
		for _, agg := range rep.AggregationSources {
			agg.ReportID = created.ID
			if _, err := e.CreateAggregationSource(ctx, &agg); err != nil {
				return fmt.Errorf("aggregation source %q: %w", agg.TargetCollection, err)
			}
		}
	}
	return nil
}

// resolveFilterSources turns name-only filter refs into id refs. Clients and
// YAML declarations may name sources; the filter matches on ids at runtime.
func (e *Engine) resolveFilterSources(ctx context.Context, src *v1.AggregationSource) error {
	for i, ref := range src.Filter.Sources {
		if ref.ID != "" || strings.TrimSpace(ref.Name) == "" {
			continue
		}
		resolved, err := e.catalog.GetEventSourceByName(ctx, ref.Name)
		if err != nil {
			return fmt.Errorf("filter source %q: %w", ref.Name, err)
		}
		src.Filter.Sources[i].ID = resolved.ID
	}
	return nil
}
