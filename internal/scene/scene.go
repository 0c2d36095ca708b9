package scene

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"treasuredig/prober/internal/geometry"
)

// parallelEpsilon rejects rays that graze a surface plane.
const parallelEpsilon = 1e-12

// extentEpsilon tolerates rounding when a hit lands exactly on a surface edge.
const extentEpsilon = 1e-9

// Filter narrows which surfaces participate in a query.
type Filter struct {
	ExcludeIDs []string
	Materials  []string
	SolidOnly  bool
}

func (f Filter) allows(surface geometry.Surface) bool {
	if f.SolidOnly && !surface.Solid() {
		return false
	}
	for _, id := range f.ExcludeIDs {
		if id == surface.ID {
			return false
		}
	}
	if len(f.Materials) == 0 {
		return true
	}
	for _, material := range f.Materials {
		if material == surface.Material {
			return true
		}
	}
	return false
}

// Scene is an immutable collection of surfaces that answers ray queries analytically.
type Scene struct {
	name     string
	surfaces []geometry.Surface
}

// New builds a scene from a copy of the provided surfaces.
func New(name string, surfaces []geometry.Surface) *Scene {
	return &Scene{name: name, surfaces: append([]geometry.Surface(nil), surfaces...)}
}

// Name returns the map name.
func (s *Scene) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Len returns the number of surfaces.
func (s *Scene) Len() int {
	if s == nil {
		return 0
	}
	return len(s.surfaces)
}

// Surfaces returns a copy of the surfaces accepted by filter in scene order.
func (s *Scene) Surfaces(filter Filter) []geometry.Surface {
	if s == nil {
		return nil
	}
	out := make([]geometry.Surface, 0, len(s.surfaces))
	for _, surface := range s.surfaces {
		if filter.allows(surface) {
			out = append(out, surface)
		}
	}
	return out
}

// Cast intersects the segment origin→origin+direction with every surface and reports the
// nearest hit. The filter must be nil, a Filter or a *Filter.
func (s *Scene) Cast(ctx context.Context, origin geometry.Point3, direction r3.Vec, filter any) (geometry.RayHit, bool, error) {
	if s == nil {
		return geometry.RayHit{}, false, fmt.Errorf("scene not loaded")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return geometry.RayHit{}, false, err
		}
	}
	var active Filter
	switch f := filter.(type) {
	case nil:
	case Filter:
		active = f
	case *Filter:
		if f != nil {
			active = *f
		}
	default:
		return geometry.RayHit{}, false, fmt.Errorf("unsupported filter type %T", filter)
	}
	if !geometry.ValidPoint(origin) || !geometry.ValidPoint(direction) {
		return geometry.RayHit{}, false, fmt.Errorf("ray must be finite")
	}
	length := r3.Norm(direction)
	if length == 0 {
		return geometry.RayHit{}, false, nil
	}

	best := -1
	bestT := math.Inf(1)
	var bestPoint geometry.Point3
	for i := range s.surfaces {
		surface := &s.surfaces[i]
		if !active.allows(*surface) {
			continue
		}
		t, point, ok := intersect(surface, origin, direction)
		//1.- Strict comparison keeps the earlier surface when two hits coincide.
		if ok && t < bestT {
			best, bestT, bestPoint = i, t, point
		}
	}
	if best < 0 {
		return geometry.RayHit{}, false, nil
	}
	//2.- Hand out a copy so callers cannot mutate the shared snapshot.
	hitSurface := s.surfaces[best]
	return geometry.RayHit{Surface: &hitSurface, Point: bestPoint, Distance: bestT * length}, true, nil
}

// intersect solves the segment against the surface plane and checks the rectangle extents.
func intersect(surface *geometry.Surface, origin geometry.Point3, direction r3.Vec) (float64, geometry.Point3, bool) {
	frame := surface.Orientation
	denom := r3.Dot(direction, frame.Up)
	if math.Abs(denom) < parallelEpsilon {
		return 0, geometry.Point3{}, false
	}
	t := r3.Dot(r3.Sub(frame.Position, origin), frame.Up) / denom
	if t < 0 || t > 1 {
		return 0, geometry.Point3{}, false
	}
	point := r3.Add(origin, r3.Scale(t, direction))
	local := frame.PointToLocal(point)
	if math.Abs(local.X) > surface.SizeX/2+extentEpsilon || math.Abs(local.Z) > surface.SizeZ/2+extentEpsilon {
		return 0, geometry.Point3{}, false
	}
	return t, point, true
}
