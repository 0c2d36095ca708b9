package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"treasuredig/prober/internal/scene"
)

const (
	// ManifestVersion is the current bundle layout version.
	ManifestVersion = 2
	// minManifestVersion is the oldest layout Open still understands.
	minManifestVersion = 1
	// ManifestFile is the bundle entry point.
	ManifestFile = "manifest.json"
	// QueriesFile holds the snappy framed JSONL query log.
	QueriesFile = "queries.jsonl.sz"
	// SceneFile is the single snapshot written by version 1 bundles.
	SceneFile = "scene.yaml.zst"
)

// SceneFileName names the zstd compressed YAML snapshot stored for generation.
func SceneFileName(generation int) string {
	return fmt.Sprintf("scene-%d.yaml.zst", generation)
}

var labelCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the bundle layout so tooling can locate its artefacts.
type Manifest struct {
	Version     int    `json:"version"`
	Label       string `json:"label"`
	CreatedAt   string `json:"created_at"`
	QueriesPath string `json:"queries_path"`

	// ScenePath points at the latest snapshot; Scenes lists every generation in order.
	ScenePath string       `json:"scene_path,omitempty"`
	SceneName string       `json:"scene_name,omitempty"`
	Scenes    []SceneEntry `json:"scenes,omitempty"`
	Settings  *Settings    `json:"settings,omitempty"`
}

// SceneEntry locates one scene snapshot inside the bundle.
type SceneEntry struct {
	Generation int    `json:"generation"`
	Path       string `json:"path"`
	Name       string `json:"name,omitempty"`
}

// Settings are the query defaults the journaled queries were served with.
type Settings struct {
	MaxCheckHeight float64  `json:"max_check_height"`
	RayLength      float64  `json:"ray_length"`
	MaxIterations  int      `json:"max_iterations"`
	Strict         bool     `json:"strict,omitempty"`
	SampleDensity  int      `json:"sample_density"`
	Radius         float64  `json:"radius"`
	Materials      []string `json:"materials,omitempty"`
}

// Record is one journaled query.
type Record struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	CapturedAt time.Time       `json:"captured_at"`
	DurationMs float64         `json:"duration_ms"`
	Request    json.RawMessage `json:"request,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	// SceneGeneration names the snapshot the query ran against; zero means unknown.
	SceneGeneration int `json:"scene_generation,omitempty"`
}

// NewRecord marshals request and result into a Record.
func NewRecord(id, kind string, captured time.Time, elapsed time.Duration, request, result any, queryErr error) (Record, error) {
	record := Record{
		ID:         id,
		Kind:       kind,
		CapturedAt: captured.UTC(),
		DurationMs: float64(elapsed) / float64(time.Millisecond),
	}
	if request != nil {
		raw, err := json.Marshal(request)
		if err != nil {
			return Record{}, fmt.Errorf("marshal request: %w", err)
		}
		record.Request = raw
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Record{}, fmt.Errorf("marshal result: %w", err)
		}
		record.Result = raw
	}
	if queryErr != nil {
		record.Error = queryErr.Error()
	}
	return record, nil
}

// Writer appends query records to a compressed bundle on disk.
type Writer struct {
	mu          sync.Mutex
	dir         string
	manifest    Manifest
	queryFile   *os.File
	queryStream *snappy.Writer
	records     int
	closed      bool
	generations map[*scene.Scene]int
	generation  int
}

// NewWriter creates a bundle directory under root and opens the compressed query log.
func NewWriter(root, label string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := labelCleaner.ReplaceAllString(label, "")
	if cleaned == "" {
		cleaned = "journal"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405.000Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	queryFile, err := os.Create(filepath.Join(path, QueriesFile))
	if err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:     ManifestVersion,
		Label:       cleaned,
		CreatedAt:   created.Format(time.RFC3339Nano),
		QueriesPath: QueriesFile,
	}
	if err := writeManifest(path, manifest); err != nil {
		queryFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:         path,
		manifest:    manifest,
		queryFile:   queryFile,
		queryStream: snappy.NewBufferedWriter(queryFile),
		generations: make(map[*scene.Scene]int),
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Records reports how many queries have been appended.
func (w *Writer) Records() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Record appends one JSON line to the query log and flushes it.
func (w *Writer) Record(record Record) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}
	//1.- Flush per record so a crash loses at most the record being written.
	if _, err := w.queryStream.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := w.queryStream.Flush(); err != nil {
		return err
	}
	w.records++
	return nil
}

// SnapshotScene stores the YAML encoding of s as the next scene generation and returns it.
// Snapshotting the same scene again returns its existing generation.
func (w *Writer) SnapshotScene(s *scene.Scene) (int, error) {
	if w == nil {
		return 0, fmt.Errorf("journal writer not initialised")
	}
	if s == nil {
		return 0, fmt.Errorf("scene is required")
	}
	if generation := w.SceneGeneration(s); generation > 0 {
		return generation, nil
	}
	data, err := s.EncodeYAML()
	if err != nil {
		return 0, err
	}

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return 0, err
	}
	if _, err := encoder.Write(data); err != nil {
		encoder.Close()
		return 0, err
	}
	if err := encoder.Close(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("journal writer closed")
	}
	//1.- Earlier generations stay on disk so older records replay against the map they saw.
	generation := w.generation + 1
	name := SceneFileName(generation)
	if err := os.WriteFile(filepath.Join(w.dir, name), compressed.Bytes(), 0o644); err != nil {
		return 0, err
	}
	//2.- Point the manifest at the new snapshot only once it is on disk.
	next := w.manifest
	next.ScenePath = name
	next.SceneName = s.Name()
	next.Scenes = append(append([]SceneEntry(nil), w.manifest.Scenes...), SceneEntry{Generation: generation, Path: name, Name: s.Name()})
	if err := writeManifest(w.dir, next); err != nil {
		return 0, err
	}
	w.manifest = next
	w.generation = generation
	w.generations[s] = generation
	return generation, nil
}

// SceneGeneration reports the generation s was snapshotted under, or zero when it never was.
func (w *Writer) SceneGeneration(s *scene.Scene) int {
	if w == nil || s == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generations[s]
}

// RecordSettings stores the query defaults in the manifest.
func (w *Writer) RecordSettings(settings Settings) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	settings.Materials = append([]string(nil), settings.Materials...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}
	next := w.manifest
	next.Settings = &settings
	if err := writeManifest(w.dir, next); err != nil {
		return err
	}
	w.manifest = next
	return nil
}

// Close flushes the query log and releases the file handle.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.queryStream.Close(); err != nil {
		firstErr = err
	}
	if err := w.queryFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func writeManifest(dir string, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}
