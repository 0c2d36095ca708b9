package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treasuredig/prober/internal/journal"
	"treasuredig/prober/internal/logging"
	"treasuredig/prober/internal/metrics"
	"treasuredig/prober/internal/scene"
)

const coveYAML = `name: cove
surfaces:
  - id: canopy
    material: glass
    center: [0, 20, 0]
    size: [40, 40]
    transparency: 1
  - id: dune
    material: sand
    center: [0, 5, 0]
    size: [10, 10]
  - id: floor
    material: sand
    center: [0, 0, 0]
    size: [100, 100]
  - id: plank
    material: wood
    center: [30, 2, 0]
    size: [10, 2]
`

type recorder struct {
	records []journal.Record
}

func (r *recorder) Record(record journal.Record) error {
	r.records = append(r.records, record)
	return nil
}

func newFixture(t *testing.T, opts ...Option) (*Service, *metrics.QueryMetrics, *recorder) {
	t.Helper()
	cove, err := scene.Decode(strings.NewReader(coveYAML))
	require.NoError(t, err)
	m := metrics.New()
	rec := &recorder{}
	next := 0
	base := []Option{
		WithMetrics(m),
		WithJournal(rec),
		WithLogger(logging.NewTestLogger()),
		WithIDGenerator(func() string {
			next++
			return fmt.Sprintf("q-%d", next)
		}),
	}
	return NewService(scene.NewStore("", cove), append(base, opts...)...), m, rec
}

func ptr[T any](v T) *T { return &v }

func TestProbeSkipsTransparentCanopy(t *testing.T) {
	svc, m, rec := newFixture(t)

	resp, err := svc.Probe(context.Background(), ProbeRequest{Position: Point{X: 1, Z: 1}})
	require.NoError(t, err)
	assert.Equal(t, "q-1", resp.QueryID)
	require.True(t, resp.Found)
	assert.Equal(t, "dune", resp.SurfaceID)
	assert.Equal(t, "sand", resp.Material)
	assert.InDelta(t, 5, resp.Point.Y, 1e-9)
	assert.Equal(t, 2, resp.Casts)

	casts, _, _, _ := m.Totals()
	assert.EqualValues(t, 2, casts)
	require.Len(t, rec.records, 1)
	assert.Equal(t, "probe", rec.records[0].Kind)
	assert.Empty(t, rec.records[0].Error)
}

func TestProbeHonoursExclusionsAndOverrides(t *testing.T) {
	svc, _, _ := newFixture(t)

	resp, err := svc.Probe(context.Background(), ProbeRequest{
		Position:   Point{X: 1, Z: 1},
		ExcludeIDs: []string{"dune"},
	})
	require.NoError(t, err)
	assert.Equal(t, "floor", resp.SurfaceID)

	//1.- A short ray from just above the floor stops before reaching anything below it.
	resp, err = svc.Probe(context.Background(), ProbeRequest{
		Position:       Point{X: 40, Y: -10, Z: 40},
		MaxCheckHeight: ptr(0.0),
		RayLength:      ptr(5.0),
	})
	require.NoError(t, err)
	assert.False(t, resp.Found)
}

func TestProbeReportsExhaustion(t *testing.T) {
	defaults := DefaultsFromConfig(nil)
	defaults.MaxIterations = 1
	svc, m, _ := newFixture(t, WithDefaults(defaults))

	resp, err := svc.Probe(context.Background(), ProbeRequest{Position: Point{X: 1, Z: 1}})
	require.NoError(t, err)
	assert.False(t, resp.Found)
	assert.True(t, resp.Exhausted)
	assert.Contains(t, m.Requests(), metrics.Counter{Operation: metrics.OperationProbe, Outcome: metrics.OutcomeExhausted, Value: 1})
}

func TestProbeCapabilityFailureModes(t *testing.T) {
	svc, m, rec := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := svc.Probe(ctx, ProbeRequest{Position: Point{}})
	require.NoError(t, err)
	assert.False(t, resp.Found)
	assert.Equal(t, 1, resp.Failures)

	_, err = svc.Probe(ctx, ProbeRequest{Position: Point{}, Strict: ptr(true)})
	require.Error(t, err)
	assert.True(t, IsCapabilityFailure(err))
	assert.False(t, IsInvalidArgument(err))

	_, failures, _, _ := m.Totals()
	assert.EqualValues(t, 1, failures)
	require.Len(t, rec.records, 2)
	assert.NotEmpty(t, rec.records[1].Error)
	assert.Nil(t, rec.records[1].Result)
}

func TestScanFindsTreasureAroundGround(t *testing.T) {
	svc, m, rec := newFixture(t)

	resp, err := svc.Scan(context.Background(), ScanRequest{
		Position:  Point{X: 1, Y: 0, Z: 1},
		Radius:    ptr(20.0),
		Materials: []string{"sand"},
	})
	require.NoError(t, err)
	require.True(t, resp.Ground.Found)
	assert.Equal(t, "dune", resp.Ground.SurfaceID)
	require.NotNil(t, resp.Treasure)
	require.True(t, resp.Treasure.Found)

	//1.- The floor grid point (-10, 0, -10) is the farthest one still inside the radius.
	assert.Equal(t, "floor", resp.Treasure.SurfaceID)
	assert.Equal(t, Point{X: -10, Z: -10}, resp.Treasure.Point)
	assert.InDelta(t, 16.3401, resp.Treasure.Distance, 1e-4)
	assert.LessOrEqual(t, resp.Treasure.Distance, 20.0)
	assert.Equal(t, 2, resp.Treasure.Stats.SurfacesConsidered)

	_, _, samples, _ := m.Totals()
	assert.EqualValues(t, 72, samples)

	require.Len(t, rec.records, 1)
	var stored ScanResponse
	require.NoError(t, json.Unmarshal(rec.records[0].Result, &stored))
	assert.Equal(t, resp.QueryID, stored.QueryID)
	assert.Equal(t, resp.Treasure.Point, stored.Treasure.Point)
}

func TestScanInOpenAirSkipsSampling(t *testing.T) {
	svc, m, _ := newFixture(t)

	resp, err := svc.Scan(context.Background(), ScanRequest{Position: Point{X: 500, Z: 500}})
	require.NoError(t, err)
	assert.False(t, resp.Ground.Found)
	assert.Nil(t, resp.Treasure)
	_, _, samples, _ := m.Totals()
	assert.Zero(t, samples)
}

func TestFurthestIgnoresTransparentSurfaces(t *testing.T) {
	svc, _, _ := newFixture(t)

	resp, err := svc.Furthest(context.Background(), FurthestRequest{
		Start:     Point{Y: 20},
		Radius:    ptr(1.0),
		Materials: []string{"glass"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Found)
	assert.Zero(t, resp.Stats.SurfacesConsidered)
}

func TestFurthestRejectsInvalidArguments(t *testing.T) {
	svc, m, rec := newFixture(t)

	_, err := svc.Furthest(context.Background(), FurthestRequest{Start: Point{}, Density: ptr(0)})
	require.Error(t, err)
	assert.True(t, IsInvalidArgument(err))

	_, err = svc.Furthest(context.Background(), FurthestRequest{Start: Point{}, Radius: ptr(-2.0)})
	assert.True(t, IsInvalidArgument(err))

	assert.Contains(t, m.Requests(), metrics.Counter{Operation: metrics.OperationFurthest, Outcome: metrics.OutcomeInvalid, Value: 2})
	require.Len(t, rec.records, 2)
	assert.Contains(t, rec.records[0].Error, "invalid argument")
}

func TestServiceWithoutSceneFails(t *testing.T) {
	svc := NewService(nil, WithLogger(logging.NewTestLogger()))
	_, err := svc.Scan(context.Background(), ScanRequest{})
	assert.ErrorIs(t, err, ErrSceneUnavailable)
}

func TestDefaultsFromConfigUsesBuiltinsForNil(t *testing.T) {
	d := DefaultsFromConfig(nil)
	assert.Equal(t, 1000.0, d.MaxCheckHeight)
	assert.Equal(t, 5000.0, d.RayLength)
	assert.Equal(t, 256, d.MaxIterations)
	assert.Equal(t, 5, d.SampleDensity)
}

func TestEmptyMaterialsFallBackToConfiguredDefaults(t *testing.T) {
	ctx := context.Background()
	start := Point{X: 30, Y: 2}

	open, _, _ := newFixture(t)
	resp, err := open.Furthest(ctx, FurthestRequest{Start: start, Radius: ptr(100.0)})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Stats.SurfacesConsidered, "without configured materials every solid surface is searched")

	defaults := builtinDefaults()
	defaults.Materials = []string{"wood"}
	woodOnly, _, _ := newFixture(t, WithDefaults(defaults))
	resp, err = woodOnly.Furthest(ctx, FurthestRequest{Start: start, Radius: ptr(100.0)})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Stats.SurfacesConsidered)
	assert.Equal(t, "plank", resp.SurfaceID)

	resp, err = woodOnly.Furthest(ctx, FurthestRequest{Start: start, Radius: ptr(100.0), Materials: []string{"sand"}})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Stats.SurfacesConsidered, "request materials override the defaults")
}

type indexingRecorder struct {
	recorder
	scene      *scene.Scene
	generation int
}

func (r *indexingRecorder) SceneGeneration(s *scene.Scene) int {
	if s == r.scene {
		return r.generation
	}
	return 0
}

func TestRecordsCarrySceneGeneration(t *testing.T) {
	cove, err := scene.Decode(strings.NewReader(coveYAML))
	require.NoError(t, err)
	rec := &indexingRecorder{scene: cove, generation: 4}
	store := scene.NewStore("", cove)
	svc := NewService(store, WithJournal(rec), WithLogger(logging.NewTestLogger()))

	_, err = svc.Probe(context.Background(), ProbeRequest{Position: Point{X: 1, Z: 1}})
	require.NoError(t, err)
	store.Replace(scene.New("unsnapshotted", nil))
	_, err = svc.Probe(context.Background(), ProbeRequest{Position: Point{X: 1, Z: 1}})
	require.NoError(t, err)

	require.Len(t, rec.records, 2)
	assert.Equal(t, 4, rec.records[0].SceneGeneration)
	assert.Zero(t, rec.records[1].SceneGeneration)
}

func TestDefaultsSurviveJournalSettings(t *testing.T) {
	d := Defaults{MaxCheckHeight: 50, RayLength: 80, MaxIterations: 9, Strict: true, SampleDensity: 3, Radius: 12, Materials: []string{"sand", "clay"}}
	assert.Equal(t, d, DefaultsFromSettings(d.Settings()))
}
