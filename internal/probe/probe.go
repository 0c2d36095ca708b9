package probe

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"treasuredig/prober/internal/geometry"
)

const (
	// DefaultMaxCheckHeight is how far above the origin the first ray starts.
	DefaultMaxCheckHeight = 1000.0
	// DefaultRayLength is the length of every downward cast.
	DefaultRayLength = 5000.0
	// DefaultMaxIterations bounds the number of casts issued by one probe.
	DefaultMaxIterations = 256
	// DefaultSkipOffset is how far below a transparent hit the next cast starts.
	DefaultSkipOffset = 1.0
)

// ErrCapabilityFailure wraps scene query errors surfaced in strict mode.
var ErrCapabilityFailure = errors.New("scene query capability failed")

// SceneRayCaster performs a single ray query against a scene.
type SceneRayCaster interface {
	Cast(ctx context.Context, origin geometry.Point3, direction r3.Vec, filter any) (geometry.RayHit, bool, error)
}

// CasterFunc adapts a function into a SceneRayCaster.
type CasterFunc func(ctx context.Context, origin geometry.Point3, direction r3.Vec, filter any) (geometry.RayHit, bool, error)

// Cast invokes the wrapped function.
func (f CasterFunc) Cast(ctx context.Context, origin geometry.Point3, direction r3.Vec, filter any) (geometry.RayHit, bool, error) {
	return f(ctx, origin, direction, filter)
}

// Options tune a probe call.
type Options struct {
	MaxCheckHeight float64
	RayLength      float64
	MaxIterations  int
	SkipOffset     float64
	Strict         bool
	Filter         any
}

// Option customises Options.
type Option func(*Options)

// WithMaxCheckHeight overrides how far above the origin probing starts.
func WithMaxCheckHeight(height float64) Option {
	return func(o *Options) { o.MaxCheckHeight = height }
}

// WithRayLength overrides the downward cast length.
func WithRayLength(length float64) Option {
	return func(o *Options) { o.RayLength = length }
}

// WithMaxIterations overrides the cast budget.
func WithMaxIterations(limit int) Option {
	return func(o *Options) { o.MaxIterations = limit }
}

// WithSkipOffset overrides the gap left below transparent hits.
func WithSkipOffset(offset float64) Option {
	return func(o *Options) { o.SkipOffset = offset }
}

// WithStrict makes capability errors propagate instead of ending the probe as a miss.
func WithStrict(strict bool) Option {
	return func(o *Options) { o.Strict = strict }
}

// WithFilter passes caller-defined filter parameters through to the caster untouched.
func WithFilter(filter any) Option {
	return func(o *Options) { o.Filter = filter }
}

// DefaultOptions returns the stock probe tuning.
func DefaultOptions() Options {
	return Options{
		MaxCheckHeight: DefaultMaxCheckHeight,
		RayLength:      DefaultRayLength,
		MaxIterations:  DefaultMaxIterations,
		SkipOffset:     DefaultSkipOffset,
	}
}

func (o Options) validate() error {
	if !geometry.Finite(o.MaxCheckHeight) || o.MaxCheckHeight < 0 {
		return geometry.Invalidf("max check height must be finite and non-negative, got %v", o.MaxCheckHeight)
	}
	if !geometry.Finite(o.RayLength) || o.RayLength <= 0 {
		return geometry.Invalidf("ray length must be finite and positive, got %v", o.RayLength)
	}
	if o.MaxIterations < 1 {
		return geometry.Invalidf("max iterations must be at least 1, got %d", o.MaxIterations)
	}
	if !geometry.Finite(o.SkipOffset) || o.SkipOffset <= 0 {
		return geometry.Invalidf("skip offset must be finite and positive, got %v", o.SkipOffset)
	}
	return nil
}

// Result describes the outcome of a probe.
type Result struct {
	Hit       geometry.RayHit
	Found     bool
	Casts     int
	Exhausted bool
	Failures  int
}

// FindTopmostSolidSurface casts downward from above origin, stepping through transparent
// surfaces until a solid one, open space, or the cast budget ends the search.
func FindTopmostSolidSurface(ctx context.Context, origin geometry.Point3, caster SceneRayCaster, opts ...Option) (Result, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if caster == nil {
		return Result{}, geometry.Invalidf("scene ray caster is required")
	}
	if !geometry.ValidPoint(origin) {
		return Result{}, geometry.Invalidf("origin %v has a non-finite component", origin)
	}
	if err := options.validate(); err != nil {
		return Result{}, err
	}

	//1.- Start high above the origin so overhanging geometry is considered.
	current := geometry.Point3{X: origin.X, Y: origin.Y + options.MaxCheckHeight, Z: origin.Z}
	if !geometry.Finite(current.Y) {
		return Result{}, geometry.Invalidf("probe start height %v + %v overflows", origin.Y, options.MaxCheckHeight)
	}
	direction := r3.Vec{Y: -options.RayLength}

	var result Result
	for result.Casts < options.MaxIterations {
		result.Casts++
		hit, ok, err := caster.Cast(ctx, current, direction, options.Filter)
		if err == nil && ok && hit.Surface == nil {
			err = errors.New("hit reported without a surface")
		}
		if err != nil {
			//2.- A failed cast ends the probe as a miss unless the caller wants the error.
			if options.Strict {
				return result, fmt.Errorf("%w: %w", ErrCapabilityFailure, err)
			}
			result.Failures++
			return result, nil
		}
		if !ok {
			return result, nil
		}
		if hit.Surface.Solid() {
			result.Hit = hit
			result.Found = true
			return result, nil
		}
		//3.- Resume just below the transparent surface with the same ray length.
		current = geometry.Point3{X: hit.Point.X, Y: hit.Point.Y - options.SkipOffset, Z: hit.Point.Z}
	}
	result.Exhausted = true
	return result, nil
}
