// Command gencsv writes synthetic climate CSV files for the import command.
package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"climate_monitor/scanner"
	"climate_monitor/telemetry"
)

const numberOfDays = 30

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/gencsv <output_directory>")
		fmt.Println("Example: go run ./cmd/gencsv test_data")
		return
	}

	outputDir := os.Args[1]
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Printf("Failed to create directory: %v\n", err)
		return
	}

	start := time.Now().UTC().AddDate(0, 0, -numberOfDays).Truncate(time.Hour)
	grid := func(node int) telemetry.Position {
		return telemetry.Position{X: float64(10 + 20*(node%3)), Y: float64(10 + 20*(node/3))}
	}

	files := map[string]scanner.Generator{
		"multi_node_5min.csv": {
			Nodes: []string{"node_001", "node_002"},
			Start: start, Step: 5 * time.Minute, Count: numberOfDays * 288,
			Position: grid,
		},
		"single_node_hourly.csv": {
			Nodes: []string{"node_003"},
			Start: start, Step: time.Hour, Count: numberOfDays * 24,
			Position: func(int) telemetry.Position { return telemetry.Position{X: 50, Y: 50} },
		},
	}

	var wg sync.WaitGroup
	for name, gen := range files {
		wg.Add(1)
		go func(name string, gen scanner.Generator) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			readings := gen.Readings(rng)
			if err := writeFile(filepath.Join(outputDir, name), readings); err != nil {
				fmt.Printf("Failed to write %s: %v\n", name, err)
				return
			}
			fmt.Printf("Generated %s with %d records\n", name, len(readings))
		}(name, gen)
	}
	wg.Wait()
	fmt.Println("All mocked data generated.")
}

func writeFile(path string, readings []telemetry.Reading) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := scanner.WriteCSV(w, readings); err != nil {
		return err
	}
	return w.Flush()
}
