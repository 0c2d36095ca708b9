package journaldump

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"treasuredig/prober/internal/detector"
	"treasuredig/prober/internal/journal"
	"treasuredig/prober/internal/scene"
)

// KindSummary aggregates the records of one query kind.
type KindSummary struct {
	Kind          string  `json:"kind"`
	Count         int     `json:"count"`
	Errors        int     `json:"errors"`
	TotalMs       float64 `json:"total_ms"`
	MaxDurationMs float64 `json:"max_duration_ms"`
}

// Report is the JSON document printed for a bundle.
type Report struct {
	Dir         string           `json:"dir"`
	Manifest    journal.Manifest `json:"manifest"`
	Scene       string           `json:"scene,omitempty"`
	Surfaces    int              `json:"surfaces"`
	Generations int              `json:"scene_generations"`
	Kinds       []KindSummary    `json:"kinds"`
	Records     []journal.Record `json:"records,omitempty"`
}

// Dump loads the bundle at path and summarises it; records are included when withRecords is set.
func Dump(path string, withRecords bool) (Report, *journal.Bundle, error) {
	bundle, err := journal.Open(path)
	if err != nil {
		return Report{}, nil, err
	}
	report := Report{
		Dir:         bundle.Dir,
		Manifest:    bundle.Manifest,
		Scene:       bundle.Scene.Name(),
		Surfaces:    bundle.Scene.Len(),
		Generations: len(bundle.Scenes),
		Kinds:       Summarise(bundle.Records),
	}
	if withRecords {
		report.Records = bundle.Records
	}
	return report, bundle, nil
}

// Summarise groups records by kind, sorted by kind name.
func Summarise(records []journal.Record) []KindSummary {
	byKind := make(map[string]*KindSummary)
	for _, record := range records {
		summary, ok := byKind[record.Kind]
		if !ok {
			summary = &KindSummary{Kind: record.Kind}
			byKind[record.Kind] = summary
		}
		summary.Count++
		if record.Error != "" {
			summary.Errors++
		}
		summary.TotalMs += record.DurationMs
		if record.DurationMs > summary.MaxDurationMs {
			summary.MaxDurationMs = record.DurationMs
		}
	}
	out := make([]KindSummary, 0, len(byKind))
	for _, summary := range byKind {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Mismatch reports a record whose replayed answer differs from the journaled one.
type Mismatch struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Diff string `json:"diff"`
}

// ReplayDefaults returns the query defaults bundle was recorded with, or the built-in defaults
// when its manifest predates stored settings. ok reports whether the manifest carried them.
func ReplayDefaults(bundle *journal.Bundle) (defaults detector.Defaults, ok bool) {
	if bundle == nil || bundle.Manifest.Settings == nil {
		return detector.DefaultsFromConfig(nil), false
	}
	return detector.DefaultsFromSettings(*bundle.Manifest.Settings), true
}

// Replay re-runs every record against the scene generation it was journaled with and returns
// the records whose answers changed. Query ids are ignored. The bundle's recorded defaults apply
// first; opts are applied after them and may override them.
func Replay(ctx context.Context, bundle *journal.Bundle, opts ...detector.Option) ([]Mismatch, error) {
	if bundle == nil {
		return nil, fmt.Errorf("bundle is required")
	}
	if bundle.Scene == nil && len(bundle.Scenes) == 0 {
		return nil, fmt.Errorf("bundle %s has no scene snapshot", bundle.Dir)
	}
	defaults, _ := ReplayDefaults(bundle)
	source := &replaySource{}
	service := detector.NewService(source, append([]detector.Option{detector.WithDefaults(defaults)}, opts...)...)

	var mismatches []Mismatch
	for _, record := range bundle.Records {
		//1.- Re-run the query with the recorded request against the map it originally saw.
		source.current = bundle.SceneFor(record)
		if source.current == nil {
			return mismatches, fmt.Errorf("replay %s: scene generation %d missing from bundle", record.ID, record.SceneGeneration)
		}
		result, runErr := rerun(ctx, service, record)
		if runErr != nil && !detector.IsInvalidArgument(runErr) && !detector.IsCapabilityFailure(runErr) {
			return mismatches, fmt.Errorf("replay %s: %w", record.ID, runErr)
		}

		//2.- Compare outcomes: errors must line up, successful answers must match field by field.
		var diff string
		switch {
		case record.Error != "" && runErr == nil:
			diff = fmt.Sprintf("journaled error %q, replay succeeded", record.Error)
		case record.Error == "" && runErr != nil:
			diff = fmt.Sprintf("journaled success, replay failed: %v", runErr)
		case runErr == nil:
			want, err := normalise(record.Result)
			if err != nil {
				return mismatches, fmt.Errorf("decode journaled result %s: %w", record.ID, err)
			}
			got, err := normaliseValue(result)
			if err != nil {
				return mismatches, fmt.Errorf("encode replayed result %s: %w", record.ID, err)
			}
			diff = cmp.Diff(want, got, snapshotRounding)
		}
		if diff != "" {
			mismatches = append(mismatches, Mismatch{ID: record.ID, Kind: record.Kind, Diff: diff})
		}
	}
	return mismatches, nil
}

// snapshotRounding absorbs the float noise a surface basis picks up through its YAML snapshot.
var snapshotRounding = cmpopts.EquateApprox(0, 1e-9)

// replaySource serves whichever snapshot the record being replayed needs.
type replaySource struct {
	current *scene.Scene
}

func (r *replaySource) Current() *scene.Scene { return r.current }

func rerun(ctx context.Context, service *detector.Service, record journal.Record) (any, error) {
	switch record.Kind {
	case "probe":
		var req detector.ProbeRequest
		if err := json.Unmarshal(record.Request, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return service.Probe(ctx, req)
	case "furthest":
		var req detector.FurthestRequest
		if err := json.Unmarshal(record.Request, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return service.Furthest(ctx, req)
	case "scan":
		var req detector.ScanRequest
		if err := json.Unmarshal(record.Request, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return service.Scan(ctx, req)
	default:
		return nil, fmt.Errorf("unknown record kind %q", record.Kind)
	}
}

func normaliseValue(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return normalise(raw)
}

func normalise(raw json.RawMessage) (map[string]any, error) {
	out := make(map[string]any)
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	delete(out, "query_id")
	return out, nil
}
