package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"treasuredig/prober/internal/detector"
	"treasuredig/prober/tools/journal_dump"
)

func main() {
	path := flag.String("path", "", "Path to a journal bundle directory or manifest.json")
	records := flag.Bool("records", false, "include every journaled record in the output")
	replay := flag.Bool("replay", false, "re-run the records against the bundle's scene snapshots and report differences")
	maxCheckHeight := flag.Float64("max-check-height", 0, "override the recorded probe start height when replaying")
	rayLength := flag.Float64("ray-length", 0, "override the recorded probe ray length when replaying")
	maxIterations := flag.Int("max-iterations", 0, "override the recorded probe iteration cap when replaying")
	strict := flag.Bool("strict", false, "override the recorded strict capability mode when replaying")
	density := flag.Int("density", 0, "override the recorded sample density when replaying")
	radius := flag.Float64("radius", 0, "override the recorded search radius when replaying")
	materials := flag.String("materials", "", "override the recorded comma-separated default materials when replaying")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	report, bundle, err := journaldump.Dump(*path, *records)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	payload := struct {
		journaldump.Report
		Mismatches []journaldump.Mismatch `json:"mismatches,omitempty"`
	}{Report: report}

	if *replay {
		//1.- Start from the defaults the bundle was recorded with; only flags given explicitly override them.
		defaults, recorded := journaldump.ReplayDefaults(bundle)
		if !recorded {
			fmt.Fprintln(os.Stderr, "warning: bundle has no recorded settings; replaying with built-in defaults")
		}
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "max-check-height":
				defaults.MaxCheckHeight = *maxCheckHeight
			case "ray-length":
				defaults.RayLength = *rayLength
			case "max-iterations":
				defaults.MaxIterations = *maxIterations
			case "strict":
				defaults.Strict = *strict
			case "density":
				defaults.SampleDensity = *density
			case "radius":
				defaults.Radius = *radius
			case "materials":
				defaults.Materials = splitMaterials(*materials)
			}
		})
		mismatches, err := journaldump.Replay(context.Background(), bundle, detector.WithDefaults(defaults))
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay error:", err)
			os.Exit(2)
		}
		payload.Mismatches = mismatches
	}

	//2.- Render the bundle as JSON so callers can pipe the output elsewhere.
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	if len(payload.Mismatches) > 0 {
		os.Exit(4)
	}
}

func splitMaterials(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
