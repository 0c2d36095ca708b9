package detector

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"treasuredig/prober/internal/config"
	"treasuredig/prober/internal/geometry"
	"treasuredig/prober/internal/journal"
	"treasuredig/prober/internal/logging"
	"treasuredig/prober/internal/metrics"
	"treasuredig/prober/internal/probe"
	"treasuredig/prober/internal/sampler"
	"treasuredig/prober/internal/scene"
)

// ErrSceneUnavailable reports that no scene snapshot is loaded.
var ErrSceneUnavailable = errors.New("scene unavailable")

// Defaults carries the tunables applied when a request leaves them unset.
type Defaults struct {
	MaxCheckHeight float64
	RayLength      float64
	MaxIterations  int
	Strict         bool
	SampleDensity  int
	Radius         float64
	Materials      []string
}

// DefaultsFromConfig extracts the detector defaults from the service configuration.
func DefaultsFromConfig(cfg *config.Config) Defaults {
	if cfg == nil {
		return builtinDefaults()
	}
	return Defaults{
		MaxCheckHeight: cfg.Probe.MaxCheckHeight,
		RayLength:      cfg.Probe.RayLength,
		MaxIterations:  cfg.Probe.MaxIterations,
		Strict:         cfg.Probe.Strict,
		SampleDensity:  cfg.Detector.SampleDensity,
		Radius:         cfg.Detector.Radius,
		Materials:      append([]string(nil), cfg.Detector.Materials...),
	}
}

// Settings converts the defaults into the form stored in a journal manifest.
func (d Defaults) Settings() journal.Settings {
	return journal.Settings{
		MaxCheckHeight: d.MaxCheckHeight,
		RayLength:      d.RayLength,
		MaxIterations:  d.MaxIterations,
		Strict:         d.Strict,
		SampleDensity:  d.SampleDensity,
		Radius:         d.Radius,
		Materials:      append([]string(nil), d.Materials...),
	}
}

// DefaultsFromSettings restores the defaults a journal was recorded with.
func DefaultsFromSettings(settings journal.Settings) Defaults {
	return Defaults{
		MaxCheckHeight: settings.MaxCheckHeight,
		RayLength:      settings.RayLength,
		MaxIterations:  settings.MaxIterations,
		Strict:         settings.Strict,
		SampleDensity:  settings.SampleDensity,
		Radius:         settings.Radius,
		Materials:      append([]string(nil), settings.Materials...),
	}
}

func builtinDefaults() Defaults {
	return Defaults{
		MaxCheckHeight: probe.DefaultMaxCheckHeight,
		RayLength:      probe.DefaultRayLength,
		MaxIterations:  probe.DefaultMaxIterations,
		SampleDensity:  sampler.DefaultSampleDensity,
		Radius:         config.DefaultDetectorRadius,
	}
}

// Recorder persists journal records.
type Recorder interface {
	Record(journal.Record) error
}

// SceneIndexer is implemented by recorders that know which generation a scene snapshot was
// stored under; the generation is stamped on each record.
type SceneIndexer interface {
	SceneGeneration(*scene.Scene) int
}

// SceneSource returns the scene snapshot a query should run against.
type SceneSource interface {
	Current() *scene.Scene
}

// Service answers ground, treasure and combined detector queries against the current scene.
type Service struct {
	scenes   SceneSource
	defaults Defaults
	metrics  *metrics.QueryMetrics
	journal  Recorder
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string
}

// Option customises a Service.
type Option func(*Service)

// WithDefaults overrides the built-in query defaults.
func WithDefaults(d Defaults) Option {
	return func(s *Service) { s.defaults = d }
}

// WithMetrics records query outcomes into m.
func WithMetrics(m *metrics.QueryMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithJournal appends every query to r.
func WithJournal(r Recorder) Option {
	return func(s *Service) { s.journal = r }
}

// WithLogger sets the base logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the query id source.
func WithIDGenerator(next func() string) Option {
	return func(s *Service) {
		if next != nil {
			s.newID = next
		}
	}
}

// NewService wires a detector over the provided scene source.
func NewService(scenes SceneSource, opts ...Option) *Service {
	svc := &Service{
		scenes:   scenes,
		defaults: builtinDefaults(),
		logger:   logging.L(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Defaults exposes the defaults applied to requests.
func (s *Service) Defaults() Defaults {
	return s.defaults
}

// ProbeRequest asks for the topmost solid surface under Position.
type ProbeRequest struct {
	Position       Point    `json:"position"`
	MaxCheckHeight *float64 `json:"max_check_height,omitempty"`
	RayLength      *float64 `json:"ray_length,omitempty"`
	Strict         *bool    `json:"strict,omitempty"`
	ExcludeIDs     []string `json:"exclude_ids,omitempty"`
}

// Ground describes the outcome of a ground probe.
type Ground struct {
	Found     bool    `json:"found"`
	SurfaceID string  `json:"surface_id,omitempty"`
	Material  string  `json:"material,omitempty"`
	Point     Point   `json:"point"`
	Distance  float64 `json:"distance"`
	Casts     int     `json:"casts"`
	Exhausted bool    `json:"exhausted,omitempty"`
	Failures  int     `json:"failures,omitempty"`
}

// ProbeResponse is the answer to a ProbeRequest.
type ProbeResponse struct {
	QueryID string `json:"query_id"`
	Ground
}

// FurthestRequest asks for the farthest sample point within Radius of Start.
// Unset Radius and Density take the service defaults. An empty Materials list takes the
// configured default materials, and searches every material when none are configured.
type FurthestRequest struct {
	Start     Point    `json:"start"`
	Radius    *float64 `json:"radius,omitempty"`
	Density   *int     `json:"density,omitempty"`
	Materials []string `json:"materials,omitempty"`
}

// Treasure describes the outcome of a radius search.
type Treasure struct {
	Found     bool          `json:"found"`
	SurfaceID string        `json:"surface_id,omitempty"`
	Point     Point         `json:"point"`
	Distance  float64       `json:"distance"`
	Stats     sampler.Stats `json:"stats"`
}

// FurthestResponse is the answer to a FurthestRequest.
type FurthestResponse struct {
	QueryID string `json:"query_id"`
	Treasure
}

// ScanRequest combines a ground probe under Position with a treasure search around the ground point.
// Radius, Density and Materials fall back to the service defaults like FurthestRequest.
type ScanRequest struct {
	Position  Point    `json:"position"`
	Radius    *float64 `json:"radius,omitempty"`
	Density   *int     `json:"density,omitempty"`
	Materials []string `json:"materials,omitempty"`
}

// ScanResponse is the answer to a ScanRequest.
type ScanResponse struct {
	QueryID  string    `json:"query_id"`
	Ground   Ground    `json:"ground"`
	Treasure *Treasure `json:"treasure,omitempty"`
}

// Probe finds the topmost solid surface under the requested position.
func (s *Service) Probe(ctx context.Context, req ProbeRequest) (ProbeResponse, error) {
	started := s.now()
	resp := ProbeResponse{QueryID: s.newID()}
	snapshot, err := s.snapshot()
	if err == nil {
		resp.Ground, err = s.ground(ctx, snapshot, req.Position.Vec(), req.MaxCheckHeight, req.RayLength, req.Strict, req.ExcludeIDs)
	}
	s.finish(ctx, metrics.OperationProbe, resp.QueryID, snapshot, started, req, resp, groundOutcome(resp.Ground), err)
	return resp, err
}

// Furthest finds the farthest sampled point within the radius on detectable surfaces.
func (s *Service) Furthest(ctx context.Context, req FurthestRequest) (FurthestResponse, error) {
	started := s.now()
	resp := FurthestResponse{QueryID: s.newID()}
	snapshot, err := s.snapshot()
	if err == nil {
		resp.Treasure, err = s.treasure(snapshot, req.Start.Vec(), req.Radius, req.Density, req.Materials)
	}
	s.finish(ctx, metrics.OperationFurthest, resp.QueryID, snapshot, started, req, resp, treasureOutcome(resp.Treasure), err)
	return resp, err
}

// Scan probes the ground under Position and, when ground is found, searches for the treasure spot around it.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	started := s.now()
	resp := ScanResponse{QueryID: s.newID()}
	outcome := metrics.OutcomeMiss
	snapshot, err := s.snapshot()
	if err == nil {
		//1.- Locate the ground first; a scan in open air has nothing to detect.
		resp.Ground, err = s.ground(ctx, snapshot, req.Position.Vec(), nil, nil, nil, nil)
		outcome = groundOutcome(resp.Ground)
	}
	if err == nil && resp.Ground.Found {
		//2.- Sample around the ground point so the radius is measured where the detector sits.
		var treasure Treasure
		treasure, err = s.treasure(snapshot, resp.Ground.Point.Vec(), req.Radius, req.Density, req.Materials)
		if err == nil {
			resp.Treasure = &treasure
			outcome = treasureOutcome(treasure)
		}
	}
	s.finish(ctx, metrics.OperationScan, resp.QueryID, snapshot, started, req, resp, outcome, err)
	return resp, err
}

func (s *Service) snapshot() (*scene.Scene, error) {
	if s == nil || s.scenes == nil {
		return nil, ErrSceneUnavailable
	}
	snapshot := s.scenes.Current()
	if snapshot == nil {
		return nil, ErrSceneUnavailable
	}
	return snapshot, nil
}

func (s *Service) ground(ctx context.Context, snapshot *scene.Scene, position geometry.Point3, height, length *float64, strict *bool, exclude []string) (Ground, error) {
	opts := []probe.Option{
		probe.WithMaxCheckHeight(valueOr(height, s.defaults.MaxCheckHeight)),
		probe.WithRayLength(valueOr(length, s.defaults.RayLength)),
		probe.WithMaxIterations(s.defaults.MaxIterations),
		probe.WithStrict(valueOr(strict, s.defaults.Strict)),
	}
	if len(exclude) > 0 {
		opts = append(opts, probe.WithFilter(scene.Filter{ExcludeIDs: exclude}))
	}
	result, err := probe.FindTopmostSolidSurface(ctx, position, snapshot, opts...)
	s.metrics.ObserveProbe(result.Casts, result.Failures)
	ground := Ground{
		Found:     result.Found,
		Casts:     result.Casts,
		Exhausted: result.Exhausted,
		Failures:  result.Failures,
	}
	if err != nil {
		return ground, err
	}
	if result.Found {
		ground.SurfaceID = result.Hit.Surface.ID
		ground.Material = result.Hit.Surface.Material
		ground.Point = PointOf(result.Hit.Point)
		ground.Distance = result.Hit.Distance
	}
	return ground, nil
}

func (s *Service) treasure(snapshot *scene.Scene, start geometry.Point3, radius *float64, density *int, materials []string) (Treasure, error) {
	//1.- No materials in the request means the configured set; no configured set means all.
	if len(materials) == 0 {
		materials = s.defaults.Materials
	}
	//2.- The sampler has no notion of transparency, so only solid surfaces are offered to it.
	candidates := snapshot.Surfaces(scene.Filter{Materials: materials, SolidOnly: true})
	result, err := sampler.FindFurthestPointWithinRadius(start, candidates, valueOr(radius, s.defaults.Radius), valueOr(density, s.defaults.SampleDensity))
	if err != nil {
		return Treasure{}, err
	}
	s.metrics.ObserveSampling(result.Stats.SamplesEvaluated, result.Stats.SurfacesSkipped)
	treasure := Treasure{Found: result.Found, Stats: result.Stats}
	if result.Found {
		treasure.SurfaceID = candidates[result.SurfaceIndex].ID
		treasure.Point = PointOf(result.Point)
		treasure.Distance = result.Distance
	}
	return treasure, nil
}

func (s *Service) finish(ctx context.Context, op metrics.Operation, id string, snapshot *scene.Scene, started time.Time, request, response any, outcome metrics.Outcome, err error) {
	elapsed := s.now().Sub(started)
	if err != nil {
		outcome = errorOutcome(err)
		response = nil
	}
	s.metrics.ObserveRequest(op, outcome, elapsed)

	logger := logging.LoggerFromContext(ctx)
	if logger == logging.L() {
		logger = s.logger
	}
	fields := []logging.Field{
		logging.String("query_id", id),
		logging.String("operation", string(op)),
		logging.String("outcome", string(outcome)),
		logging.Duration("elapsed_ms", elapsed),
	}
	if err != nil {
		logger.Warn("detector query failed", append(fields, logging.Error(err))...)
	} else {
		logger.Debug("detector query served", fields...)
	}

	if s.journal == nil {
		return
	}
	record, recErr := journal.NewRecord(id, string(op), started, elapsed, request, response, err)
	if indexer, ok := s.journal.(SceneIndexer); ok && snapshot != nil {
		record.SceneGeneration = indexer.SceneGeneration(snapshot)
	}
	if recErr == nil {
		recErr = s.journal.Record(record)
	}
	if recErr != nil {
		logger.Warn("journal append failed", logging.String("query_id", id), logging.Error(recErr))
	}
}

// IsInvalidArgument reports whether err was caused by bad caller input.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, geometry.ErrInvalidArgument)
}

// IsCapabilityFailure reports whether err came from the scene ray caster in strict mode.
func IsCapabilityFailure(err error) bool {
	return errors.Is(err, probe.ErrCapabilityFailure)
}

func errorOutcome(err error) metrics.Outcome {
	if IsInvalidArgument(err) {
		return metrics.OutcomeInvalid
	}
	return metrics.OutcomeFailed
}

func groundOutcome(g Ground) metrics.Outcome {
	switch {
	case g.Found:
		return metrics.OutcomeHit
	case g.Exhausted:
		return metrics.OutcomeExhausted
	default:
		return metrics.OutcomeMiss
	}
}

func treasureOutcome(t Treasure) metrics.Outcome {
	if t.Found {
		return metrics.OutcomeHit
	}
	return metrics.OutcomeMiss
}

func valueOr[T any](value *T, fallback T) T {
	if value == nil {
		return fallback
	}
	return *value
}
