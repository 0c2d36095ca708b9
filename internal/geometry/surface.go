package geometry

import "math"

// Surface is a finite rectangular patch spanning SizeX by SizeZ in its local XZ plane.
type Surface struct {
	ID           string
	Material     string
	Center       Point3
	SizeX        float64
	SizeZ        float64
	Orientation  Orientation
	Transparency float64
}

// NewSurface builds an axis-aligned surface whose orientation sits on its center.
func NewSurface(id string, center Point3, sizeX, sizeZ float64) Surface {
	return Surface{
		ID:          id,
		Center:      center,
		SizeX:       sizeX,
		SizeZ:       sizeZ,
		Orientation: Identity(center),
	}
}

// Solid reports whether the surface stops a downward probe.
func (s Surface) Solid() bool {
	return s.Transparency < 1
}

// BoundingRadius is the distance from the center to any corner.
func (s Surface) BoundingRadius() float64 {
	return math.Sqrt(s.SizeX*s.SizeX+s.SizeZ*s.SizeZ) / 2
}

// Valid reports whether the surface geometry is finite and non-negative in extent.
func (s Surface) Valid() bool {
	return ValidPoint(s.Center) &&
		Finite(s.SizeX) && Finite(s.SizeZ) &&
		s.SizeX >= 0 && s.SizeZ >= 0 &&
		s.Orientation.Valid()
}

// RayHit is the nearest intersection reported by a scene query.
type RayHit struct {
	Surface  *Surface
	Point    Point3
	Distance float64
}
