package journalcatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"treasuredig/prober/internal/journal"
)

// Entry captures a bundle manifest alongside its on-disk location.
type Entry struct {
	Dir          string           `json:"dir"`
	ManifestPath string           `json:"manifest_path"`
	Manifest     journal.Manifest `json:"manifest"`
	HasScene     bool             `json:"has_scene"`
}

// List walks the directory tree and returns the parsed bundle manifests, oldest first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the directory tree searching for bundle manifests.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != journal.ManifestFile {
			return nil
		}
		manifest, err := journal.ReadManifest(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		dir := filepath.Dir(path)
		entry := Entry{Dir: dir, ManifestPath: path, Manifest: manifest}
		if manifest.ScenePath != "" {
			if _, err := os.Stat(filepath.Join(dir, manifest.ScenePath)); err == nil {
				entry.HasScene = true
			}
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Manifest.CreatedAt == entries[j].Manifest.CreatedAt {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Manifest.CreatedAt < entries[j].Manifest.CreatedAt
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	//1.- Marshal with indentation to keep CLI output legible for operators.
	return json.MarshalIndent(entries, "", "  ")
}
