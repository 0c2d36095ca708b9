package scene

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"treasuredig/prober/internal/geometry"
)

// Document is the on-disk YAML layout of a map.
type Document struct {
	Name     string            `yaml:"name"`
	Surfaces []SurfaceDocument `yaml:"surfaces"`
}

// SurfaceDocument describes one surface in a map file.
type SurfaceDocument struct {
	ID           string            `yaml:"id"`
	Material     string            `yaml:"material,omitempty"`
	Center       []float64         `yaml:"center,flow"`
	Size         []float64         `yaml:"size,flow"`
	Rotation     *RotationDocument `yaml:"rotation,omitempty"`
	Basis        *BasisDocument    `yaml:"basis,omitempty"`
	Transparency float64           `yaml:"transparency,omitempty"`
}

// RotationDocument rotates a surface by Degrees around Axis.
type RotationDocument struct {
	Axis    []float64 `yaml:"axis,flow"`
	Degrees float64   `yaml:"degrees"`
}

// BasisDocument spells out the surface axes directly.
type BasisDocument struct {
	Right []float64 `yaml:"right,flow"`
	Up    []float64 `yaml:"up,flow"`
	Back  []float64 `yaml:"back,flow"`
}

// Load reads and validates a YAML map file.
func Load(path string) (*Scene, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scene: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

// Decode parses a YAML map from r.
func Decode(r io.Reader) (*Scene, error) {
	var doc Document
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	return FromDocument(doc)
}

// FromDocument validates doc and builds the scene it describes.
func FromDocument(doc Document) (*Scene, error) {
	var problems []string
	surfaces := make([]geometry.Surface, 0, len(doc.Surfaces))
	seen := make(map[string]struct{}, len(doc.Surfaces))
	for index, entry := range doc.Surfaces {
		label := strings.TrimSpace(entry.ID)
		if label == "" {
			problems = append(problems, fmt.Sprintf("surface %d: id is required", index))
			continue
		}
		if _, dup := seen[label]; dup {
			problems = append(problems, fmt.Sprintf("surface %q: duplicate id", label))
			continue
		}
		seen[label] = struct{}{}
		surface, err := entry.build(label)
		if err != nil {
			problems = append(problems, fmt.Sprintf("surface %q: %v", label, err))
			continue
		}
		surfaces = append(surfaces, surface)
	}
	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return New(doc.Name, surfaces), nil
}

func (d SurfaceDocument) build(id string) (geometry.Surface, error) {
	center, err := vec(d.Center, "center")
	if err != nil {
		return geometry.Surface{}, err
	}
	if len(d.Size) != 2 {
		return geometry.Surface{}, fmt.Errorf("size needs 2 components, got %d", len(d.Size))
	}
	if !geometry.Finite(d.Size[0]) || !geometry.Finite(d.Size[1]) || d.Size[0] < 0 || d.Size[1] < 0 {
		return geometry.Surface{}, fmt.Errorf("size must be finite and non-negative")
	}
	if d.Transparency < 0 || d.Transparency > 1 {
		return geometry.Surface{}, fmt.Errorf("transparency must be within [0, 1], got %v", d.Transparency)
	}
	surface := geometry.NewSurface(id, center, d.Size[0], d.Size[1])
	surface.Material = strings.TrimSpace(d.Material)
	surface.Transparency = d.Transparency

	//1.- Rotation and basis are mutually exclusive ways of orienting the patch.
	switch {
	case d.Rotation != nil && d.Basis != nil:
		return geometry.Surface{}, fmt.Errorf("rotation and basis are mutually exclusive")
	case d.Rotation != nil:
		axis, err := vec(d.Rotation.Axis, "rotation axis")
		if err != nil {
			return geometry.Surface{}, err
		}
		orientation, err := geometry.FromAxisAngle(center, axis, d.Rotation.Degrees*math.Pi/180)
		if err != nil {
			return geometry.Surface{}, err
		}
		surface.Orientation = orientation
	case d.Basis != nil:
		orientation, err := d.Basis.orientation(center)
		if err != nil {
			return geometry.Surface{}, err
		}
		surface.Orientation = orientation
	}
	return surface, nil
}

func (b BasisDocument) orientation(center geometry.Point3) (geometry.Orientation, error) {
	right, err := vec(b.Right, "basis right")
	if err != nil {
		return geometry.Orientation{}, err
	}
	up, err := vec(b.Up, "basis up")
	if err != nil {
		return geometry.Orientation{}, err
	}
	back, err := vec(b.Back, "basis back")
	if err != nil {
		return geometry.Orientation{}, err
	}
	for _, axis := range []r3.Vec{right, up, back} {
		if math.Abs(r3.Norm(axis)-1) > 1e-6 {
			return geometry.Orientation{}, fmt.Errorf("basis axes must be unit length")
		}
	}
	return geometry.Orientation{Position: center, Right: right, Up: up, Back: back}, nil
}

func vec(values []float64, name string) (r3.Vec, error) {
	if len(values) != 3 {
		return r3.Vec{}, fmt.Errorf("%s needs 3 components, got %d", name, len(values))
	}
	v := r3.Vec{X: values[0], Y: values[1], Z: values[2]}
	if !geometry.ValidPoint(v) {
		return r3.Vec{}, fmt.Errorf("%s must be finite", name)
	}
	return v, nil
}

// Document renders the scene back into its YAML layout using explicit bases.
func (s *Scene) Document() Document {
	doc := Document{Name: s.Name()}
	if s == nil {
		return doc
	}
	for _, surface := range s.surfaces {
		o := surface.Orientation
		doc.Surfaces = append(doc.Surfaces, SurfaceDocument{
			ID:       surface.ID,
			Material: surface.Material,
			Center:   []float64{surface.Center.X, surface.Center.Y, surface.Center.Z},
			Size:     []float64{surface.SizeX, surface.SizeZ},
			Basis: &BasisDocument{
				Right: []float64{o.Right.X, o.Right.Y, o.Right.Z},
				Up:    []float64{o.Up.X, o.Up.Y, o.Up.Z},
				Back:  []float64{o.Back.X, o.Back.Y, o.Back.Z},
			},
			Transparency: surface.Transparency,
		})
	}
	return doc
}

// Encode writes the scene as YAML.
func (s *Scene) Encode(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(s.Document()); err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	return encoder.Close()
}

// EncodeYAML returns the YAML encoding of the scene.
func (s *Scene) EncodeYAML() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Store publishes the current scene snapshot and swaps it atomically on reload.
type Store struct {
	path    string
	current atomic.Pointer[Scene]
}

// NewStore constructs a store that reloads from path; initial may be nil.
func NewStore(path string, initial *Scene) *Store {
	store := &Store{path: strings.TrimSpace(path)}
	if initial == nil {
		initial = New("", nil)
	}
	store.current.Store(initial)
	return store
}

// Current returns the active snapshot.
func (s *Store) Current() *Scene {
	if s == nil {
		return nil
	}
	return s.current.Load()
}

// Replace swaps in a new snapshot.
func (s *Store) Replace(next *Scene) {
	if s == nil || next == nil {
		return
	}
	s.current.Store(next)
}

// Load reads the configured map file without publishing it.
func (s *Store) Load() (*Scene, error) {
	if s == nil {
		return nil, errors.New("scene store is nil")
	}
	if s.path == "" {
		return nil, errors.New("scene path not configured")
	}
	return Load(s.path)
}

// Reload re-reads the configured map file; the previous snapshot stays active on failure.
func (s *Store) Reload() (*Scene, error) {
	next, err := s.Load()
	if err != nil {
		return nil, err
	}
	s.current.Store(next)
	return next, nil
}
