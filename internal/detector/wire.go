package detector

import (
	"encoding/json"
	"fmt"
	"io"

	"treasuredig/prober/internal/geometry"
)

// Point is the JSON form of a world position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PointOf converts a vector into its JSON form.
func PointOf(v geometry.Point3) Point { return Point{X: v.X, Y: v.Y, Z: v.Z} }

// Vec converts the point back into a vector.
func (p Point) Vec() geometry.Point3 { return geometry.Point3{X: p.X, Y: p.Y, Z: p.Z} }

// Vector is an inbound point whose components must all be present.
type Vector struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// Point validates the vector and converts it; name labels the field in errors.
func (v *Vector) Point(name string) (Point, error) {
	if v == nil {
		return Point{}, geometry.Invalidf("%s is required", name)
	}
	p, err := geometry.PointFromPointers(name, v.X, v.Y, v.Z)
	if err != nil {
		return Point{}, err
	}
	return PointOf(p), nil
}

// ProbeWire is the inbound JSON form of a ProbeRequest.
type ProbeWire struct {
	Position       *Vector  `json:"position"`
	MaxCheckHeight *float64 `json:"max_check_height,omitempty"`
	RayLength      *float64 `json:"ray_length,omitempty"`
	Strict         *bool    `json:"strict,omitempty"`
	ExcludeIDs     []string `json:"exclude_ids,omitempty"`
}

// Request validates the wire form.
func (w ProbeWire) Request() (ProbeRequest, error) {
	position, err := w.Position.Point("position")
	if err != nil {
		return ProbeRequest{}, err
	}
	return ProbeRequest{
		Position:       position,
		MaxCheckHeight: w.MaxCheckHeight,
		RayLength:      w.RayLength,
		Strict:         w.Strict,
		ExcludeIDs:     w.ExcludeIDs,
	}, nil
}

// FurthestWire is the inbound JSON form of a FurthestRequest.
type FurthestWire struct {
	Start     *Vector  `json:"start"`
	Radius    *float64 `json:"radius,omitempty"`
	Density   *int     `json:"density,omitempty"`
	Materials []string `json:"materials,omitempty"`
}

// Request validates the wire form.
func (w FurthestWire) Request() (FurthestRequest, error) {
	start, err := w.Start.Point("start")
	if err != nil {
		return FurthestRequest{}, err
	}
	return FurthestRequest{Start: start, Radius: w.Radius, Density: w.Density, Materials: w.Materials}, nil
}

// ScanWire is the inbound JSON form of a ScanRequest.
type ScanWire struct {
	Position  *Vector  `json:"position"`
	Radius    *float64 `json:"radius,omitempty"`
	Density   *int     `json:"density,omitempty"`
	Materials []string `json:"materials,omitempty"`
}

// Request validates the wire form.
func (w ScanWire) Request() (ScanRequest, error) {
	position, err := w.Position.Point("position")
	if err != nil {
		return ScanRequest{}, err
	}
	return ScanRequest{Position: position, Radius: w.Radius, Density: w.Density, Materials: w.Materials}, nil
}

// DecodeJSON strictly decodes one JSON document from r into dst, reporting malformed input as an invalid argument.
func DecodeJSON(r io.Reader, dst any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request: %w", geometry.ErrInvalidArgument, err)
	}
	return nil
}
