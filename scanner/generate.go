package scanner

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"climate_monitor/telemetry"
)

// Generator describes a synthetic CSV file for exercising the importer.
type Generator struct {
	Nodes    []string
	Start    time.Time
	Step     time.Duration
	Count    int
	Position func(node int) telemetry.Position
}

// Readings simulates a daily temperature cycle and a humidity curve moving
// opposite to it, with per-node offsets and noise from rng.
func (g Generator) Readings(rng *rand.Rand) []telemetry.Reading {
	readings := make([]telemetry.Reading, 0, g.Count*len(g.Nodes))
	for i := 0; i < g.Count; i++ {
		ts := g.Start.Add(time.Duration(i) * g.Step).UTC()
		hourAngle := (float64(ts.Hour()) + float64(ts.Minute())/60) * math.Pi / 12

		for j, node := range g.Nodes {
			cycle := math.Sin(hourAngle - math.Pi/2)
			temp := 27.0 + 4.0*cycle + rng.Float64()*0.6 - 0.3 + float64(j)*0.5
			hum := 65.0 - 10.0*cycle + rng.Float64()*2 - 1 - float64(j)

			r := telemetry.Reading{
				NodeID:      node,
				Temperature: math.Round(temp*100) / 100,
				Humidity:    math.Round(math.Max(0, math.Min(100, hum))*100) / 100,
				Timestamp:   ts,
			}
			if g.Position != nil {
				r.Position = g.Position(j)
			}
			readings = append(readings, r)
		}
	}
	return readings
}

// WriteCSV writes readings in the format ScanDirectory imports.
func WriteCSV(w io.Writer, readings []telemetry.Reading) error {
	if _, err := io.WriteString(w, "timestamp,node_id,temperature,humidity,pos_x,pos_y\n"); err != nil {
		return err
	}
	for _, r := range readings {
		line := fmt.Sprintf("%s,%s,%.2f,%.2f,%g,%g\n",
			r.Timestamp.Format(time.RFC3339),
			r.NodeID,
			r.Temperature,
			r.Humidity,
			r.Position.X,
			r.Position.Y)
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}
