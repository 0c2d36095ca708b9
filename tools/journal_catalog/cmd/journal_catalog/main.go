package main

import (
	"flag"
	"fmt"
	"os"

	"treasuredig/prober/tools/journal_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing journal bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := journalcatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := journalcatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (version %d)\n", entry.Dir, entry.Manifest.Version)
		fmt.Printf("  label: %s\n", entry.Manifest.Label)
		fmt.Printf("  created: %s\n", entry.Manifest.CreatedAt)
		if entry.HasScene {
			fmt.Printf("  scene: %s\n", entry.Manifest.SceneName)
		}
	}
}
