package geometry

import "gonum.org/v1/gonum/spatial/r3"

// Orientation is a rigid transform mapping local surface offsets into world space.
type Orientation struct {
	Position Point3
	Right    r3.Vec
	Up       r3.Vec
	Back     r3.Vec
}

var (
	axisX = r3.Vec{X: 1}
	axisY = r3.Vec{Y: 1}
	axisZ = r3.Vec{Z: 1}
)

// Identity returns an axis-aligned orientation positioned at pos.
func Identity(pos Point3) Orientation {
	return Orientation{Position: pos, Right: axisX, Up: axisY, Back: axisZ}
}

// FromAxisAngle rotates the identity basis by angle radians around axis.
func FromAxisAngle(pos Point3, axis r3.Vec, angle float64) (Orientation, error) {
	if !ValidPoint(pos) || !ValidPoint(axis) || !Finite(angle) {
		return Orientation{}, Invalidf("orientation requires finite position, axis and angle")
	}
	if r3.Norm(axis) == 0 {
		return Orientation{}, Invalidf("rotation axis must be non-zero")
	}
	rot := r3.NewRotation(angle, axis)
	return Orientation{
		Position: pos,
		Right:    rot.Rotate(axisX),
		Up:       rot.Rotate(axisY),
		Back:     rot.Rotate(axisZ),
	}, nil
}

// PointToWorld maps a local offset into world space.
func (o Orientation) PointToWorld(local r3.Vec) Point3 {
	world := o.Position
	world = r3.Add(world, r3.Scale(local.X, o.Right))
	world = r3.Add(world, r3.Scale(local.Y, o.Up))
	world = r3.Add(world, r3.Scale(local.Z, o.Back))
	return world
}

// PointToLocal maps a world point into the orientation's local frame.
func (o Orientation) PointToLocal(world Point3) r3.Vec {
	//1.- The basis is orthonormal, so projecting onto each axis inverts PointToWorld.
	delta := r3.Sub(world, o.Position)
	return r3.Vec{X: r3.Dot(delta, o.Right), Y: r3.Dot(delta, o.Up), Z: r3.Dot(delta, o.Back)}
}

// Valid reports whether every numeric field is finite.
func (o Orientation) Valid() bool {
	return ValidPoint(o.Position) && ValidPoint(o.Right) && ValidPoint(o.Up) && ValidPoint(o.Back)
}
