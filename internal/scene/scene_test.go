package scene

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/spatial/r3"

	"treasuredig/prober/internal/geometry"
)

const beachYAML = `name: beach
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
    rotation: {axis: [0, 1, 0], degrees: 90}
`

func down(length float64) r3.Vec { return r3.Vec{Y: -length} }

func TestCastReturnsNearestSurface(t *testing.T) {
	s, err := Decode(strings.NewReader(beachYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	hit, ok, err := s.Cast(context.Background(), geometry.Point3{X: 1, Y: 52, Z: 1}, down(128), nil)
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	//1.- The transparent canopy is still the first intersection; skipping is the probe's job.
	if hit.Surface.ID != "canopy" {
		t.Fatalf("expected canopy, got %q", hit.Surface.ID)
	}
	if hit.Point != (geometry.Point3{X: 1, Y: 20, Z: 1}) {
		t.Fatalf("unexpected hit point %v", hit.Point)
	}
	if hit.Distance != 32 {
		t.Fatalf("expected distance 32, got %f", hit.Distance)
	}
}

func TestCastHonoursFilters(t *testing.T) {
	s, err := Decode(strings.NewReader(beachYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	origin := geometry.Point3{X: 1, Y: 50, Z: 1}
	hit, ok, err := s.Cast(context.Background(), origin, down(100), Filter{SolidOnly: true})
	if err != nil || !ok || hit.Surface.ID != "dune" {
		t.Fatalf("expected dune with solid filter, got %+v ok=%v err=%v", hit.Surface, ok, err)
	}
	hit, ok, err = s.Cast(context.Background(), origin, down(100), &Filter{ExcludeIDs: []string{"canopy", "dune"}})
	if err != nil || !ok || hit.Surface.ID != "floor" {
		t.Fatalf("expected floor after exclusions, got %+v ok=%v err=%v", hit.Surface, ok, err)
	}
	if _, _, err := s.Cast(context.Background(), origin, down(100), "sand"); err == nil {
		t.Fatal("expected error for unsupported filter type")
	}
}

func TestCastMissesOutsideExtentsAndSegment(t *testing.T) {
	s, err := Decode(strings.NewReader(beachYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok, _ := s.Cast(context.Background(), geometry.Point3{X: 500, Y: 50}, down(100), nil); ok {
		t.Fatal("expected miss outside every surface")
	}
	if _, ok, _ := s.Cast(context.Background(), geometry.Point3{X: 1, Y: 50, Z: 1}, down(10), nil); ok {
		t.Fatal("expected miss when the segment ends above the canopy")
	}
	if _, ok, _ := s.Cast(context.Background(), geometry.Point3{X: -60, Y: 1}, r3.Vec{X: 120}, nil); ok {
		t.Fatal("rays parallel to every surface should miss")
	}
}

func TestCastRespectsRotation(t *testing.T) {
	s, err := Decode(strings.NewReader(beachYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	filter := Filter{Materials: []string{"wood"}}
	if _, ok, _ := s.Cast(context.Background(), geometry.Point3{X: 30, Y: 10, Z: 4}, down(20), filter); !ok {
		t.Fatal("rotated plank should extend along Z")
	}
	if _, ok, _ := s.Cast(context.Background(), geometry.Point3{X: 34, Y: 10}, down(20), filter); ok {
		t.Fatal("rotated plank should be narrow along X")
	}
}

func TestCastStopsOnCancelledContext(t *testing.T) {
	s := New("empty", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Cast(ctx, geometry.Point3{}, down(1), nil); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSurfacesFilterKeepsOrder(t *testing.T) {
	s, err := Decode(strings.NewReader(beachYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var ids []string
	for _, surface := range s.Surfaces(Filter{Materials: []string{"sand"}, SolidOnly: true}) {
		ids = append(ids, surface.ID)
	}
	if diff := cmp.Diff([]string{"dune", "floor"}, ids); diff != "" {
		t.Fatalf("unexpected surfaces (-want +got):\n%s", diff)
	}
}

func TestDecodeAggregatesProblems(t *testing.T) {
	doc := `name: broken
surfaces:
  - id: a
    center: [0, 0]
    size: [1, 1]
  - id: a
    center: [0, 0, 0]
    size: [1, 1]
  - center: [0, 0, 0]
    size: [1, 1]
  - id: glassy
    center: [0, 0, 0]
    size: [1, 1]
    transparency: 2
`
	_, err := Decode(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, fragment := range []string{"center needs 3 components", "surface 2: id is required", "transparency must be within"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode(strings.NewReader("name: x\nsurfacez: []\n")); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	original, err := Decode(strings.NewReader(beachYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	data, err := original.EncodeYAML()
	if err != nil {
		t.Fatalf("EncodeYAML: %v", err)
	}
	restored, err := Decode(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("Decode round trip: %v", err)
	}
	if restored.Name() != "beach" {
		t.Fatalf("unexpected name %q", restored.Name())
	}
	opts := cmpopts.EquateApprox(0, 1e-9)
	if diff := cmp.Diff(original.Surfaces(Filter{}), restored.Surfaces(Filter{}), opts); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beach.yaml")
	if err := os.WriteFile(path, []byte(beachYAML), 0o644); err != nil {
		t.Fatalf("write scene: %v", err)
	}
	store := NewStore(path, nil)
	if store.Current().Len() != 0 {
		t.Fatal("expected empty initial scene")
	}
	if _, err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if store.Current().Len() != 4 {
		t.Fatalf("expected 4 surfaces, got %d", store.Current().Len())
	}
	if err := os.WriteFile(path, []byte("surfaces: [{id: x}]"), 0o644); err != nil {
		t.Fatalf("overwrite scene: %v", err)
	}
	if _, err := store.Reload(); err == nil {
		t.Fatal("expected reload failure")
	}
	if store.Current().Name() != "beach" {
		t.Fatalf("expected previous scene to remain active, got %q", store.Current().Name())
	}
	if _, err := NewStore("", nil).Reload(); err == nil {
		t.Fatal("expected error without a path")
	}
}

func TestStoreLoadDoesNotPublish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beach.yaml")
	if err := os.WriteFile(path, []byte(beachYAML), 0o644); err != nil {
		t.Fatalf("write scene: %v", err)
	}
	store := NewStore(path, nil)
	next, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if next.Name() != "beach" || store.Current().Len() != 0 {
		t.Fatalf("Load must leave the active scene alone, active has %d surfaces", store.Current().Len())
	}
	store.Replace(next)
	if store.Current() != next {
		t.Fatal("Replace should publish the loaded scene")
	}
}
