package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidArgument reports malformed query input such as non-finite coordinates.
var ErrInvalidArgument = errors.New("invalid argument")

// Point3 is a world-space coordinate.
type Point3 = r3.Vec

// Invalidf wraps ErrInvalidArgument with a formatted description.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Finite reports whether value is neither NaN nor infinite.
func Finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// ValidPoint reports whether every component of p is finite.
func ValidPoint(p Point3) bool {
	return Finite(p.X) && Finite(p.Y) && Finite(p.Z)
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Point3) float64 {
	return r3.Norm(r3.Sub(a, b))
}

// PointFromPointers assembles a point from optionally present wire components.
func PointFromPointers(name string, x, y, z *float64) (Point3, error) {
	//1.- Wire payloads may omit components, which must never default to zero silently.
	if x == nil || y == nil || z == nil {
		return Point3{}, Invalidf("%s is missing a component", name)
	}
	p := Point3{X: *x, Y: *y, Z: *z}
	if !ValidPoint(p) {
		return Point3{}, Invalidf("%s has a non-finite component", name)
	}
	return p, nil
}
