package sampler

import (
	"gonum.org/v1/gonum/spatial/r3"

	"treasuredig/prober/internal/geometry"
)

// DefaultSampleDensity is the number of grid steps along each surface axis.
const DefaultSampleDensity = 5

// Stats counts the work performed by one sampling pass.
type Stats struct {
	SurfacesConsidered int `json:"surfaces_considered"`
	SurfacesSkipped    int `json:"surfaces_skipped"`
	SamplesEvaluated   int `json:"samples_evaluated"`
}

// Result holds the farthest in-radius sample, if any.
type Result struct {
	Point        geometry.Point3
	Distance     float64
	SurfaceIndex int
	Found        bool
	Stats        Stats
}

// Observer receives every evaluated sample.
type Observer func(surfaceIndex int, point geometry.Point3, distance float64)

// Sampler searches surfaces for the farthest grid sample inside a radius.
type Sampler struct {
	observe Observer
}

// New constructs a Sampler that reports evaluated samples to observe, which may be nil.
func New(observe Observer) *Sampler {
	return &Sampler{observe: observe}
}

// FindFurthestPointWithinRadius runs a Sampler without an observer.
func FindFurthestPointWithinRadius(start geometry.Point3, surfaces []geometry.Surface, radius float64, sampleDensity int) (Result, error) {
	return New(nil).Furthest(start, surfaces, radius, sampleDensity)
}

// Furthest samples a (density+1)² grid on every surface that can reach the radius and keeps
// the farthest point whose distance from start does not exceed radius.
func (s *Sampler) Furthest(start geometry.Point3, surfaces []geometry.Surface, radius float64, sampleDensity int) (Result, error) {
	if sampleDensity < 1 {
		return Result{}, geometry.Invalidf("sample density must be at least 1, got %d", sampleDensity)
	}
	if !geometry.ValidPoint(start) {
		return Result{}, geometry.Invalidf("starting position %v has a non-finite component", start)
	}
	if !geometry.Finite(radius) || radius < 0 {
		return Result{}, geometry.Invalidf("radius must be finite and non-negative, got %v", radius)
	}

	result := Result{SurfaceIndex: -1}
	for index, surface := range surfaces {
		result.Stats.SurfacesConsidered++
		if !surface.Valid() {
			result.Stats.SurfacesSkipped++
			continue
		}
		//1.- Reject surfaces whose corners cannot come within the radius.
		if geometry.Distance(start, surface.Center) > radius+surface.BoundingRadius() {
			result.Stats.SurfacesSkipped++
			continue
		}
		s.sampleSurface(start, index, surface, radius, sampleDensity, &result)
	}
	return result, nil
}

func (s *Sampler) sampleSurface(start geometry.Point3, index int, surface geometry.Surface, radius float64, density int, result *Result) {
	halfX := surface.SizeX / 2
	halfZ := surface.SizeZ / 2
	steps := float64(density)
	//1.- Index based stepping avoids drift accumulating across the row.
	for i := 0; i <= density; i++ {
		offsetX := -halfX + surface.SizeX*float64(i)/steps
		for j := 0; j <= density; j++ {
			offsetZ := -halfZ + surface.SizeZ*float64(j)/steps
			point := surface.Orientation.PointToWorld(r3.Vec{X: offsetX, Z: offsetZ})
			distance := geometry.Distance(start, point)
			result.Stats.SamplesEvaluated++
			if s != nil && s.observe != nil {
				s.observe(index, point, distance)
			}
			//2.- Strictly greater keeps the first sample found on ties.
			if distance <= radius && (!result.Found || distance > result.Distance) {
				result.Point = point
				result.Distance = distance
				result.SurfaceIndex = index
				result.Found = true
			}
		}
	}
}
