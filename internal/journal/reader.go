package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"treasuredig/prober/internal/scene"
)

// maxRecordBytes bounds a single JSONL line when scanning the query log.
const maxRecordBytes = 16 << 20

// Bundle is a journal read back from disk.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Records  []Record
	// Scene is the latest snapshot, nil when the bundle carries none.
	Scene *scene.Scene
	// Scenes holds every snapshot keyed by generation.
	Scenes map[int]*scene.Scene
}

// SceneFor returns the snapshot record ran against, falling back to the latest one when the
// record does not name a generation. It returns nil when the named generation is missing.
func (b *Bundle) SceneFor(record Record) *scene.Scene {
	if b == nil {
		return nil
	}
	if record.SceneGeneration <= 0 {
		return b.Scene
	}
	return b.Scenes[record.SceneGeneration]
}

// Open loads a bundle from its directory or from the path of its manifest.
func Open(path string) (*Bundle, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	manifestPath := path
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		manifestPath = filepath.Join(path, ManifestFile)
	}
	dir := filepath.Dir(manifestPath)

	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	records, err := readRecords(filepath.Join(dir, manifest.QueriesPath))
	if err != nil {
		return nil, err
	}
	bundle := &Bundle{Dir: dir, Manifest: manifest, Records: records, Scenes: make(map[int]*scene.Scene)}
	for _, entry := range manifest.Scenes {
		snapshot, err := readScene(filepath.Join(dir, entry.Path))
		if err != nil {
			return nil, fmt.Errorf("scene generation %d: %w", entry.Generation, err)
		}
		bundle.Scenes[entry.Generation] = snapshot
		if entry.Path == manifest.ScenePath {
			bundle.Scene = snapshot
		}
	}
	//1.- Version 1 bundles only carry the single latest snapshot.
	if bundle.Scene == nil && manifest.ScenePath != "" {
		snapshot, err := readScene(filepath.Join(dir, manifest.ScenePath))
		if err != nil {
			return nil, err
		}
		bundle.Scene = snapshot
	}
	return bundle, nil
}

// ReadManifest decodes and version-checks a manifest file without touching the bundle data.
func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version < minManifestVersion || manifest.Version > ManifestVersion {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}
	return manifest, nil
}

func readRecords(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	var records []Record
	for line := 1; scanner.Scan(); line++ {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func readScene(path string) (*scene.Scene, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, err
	}
	return scene.Decode(bytes.NewReader(data))
}
