package telemetry

import "fmt"

// Level classifies a measurement against alert thresholds.
type Level int

// Levels of a classified measurement.
const (
	LevelNormal Level = iota
	LevelLow
	LevelHigh
	LevelVeryHigh
)

var levelNames = [...]string{"normal", "low", "high", "very_high"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText renders the level name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *Level) UnmarshalText(text []byte) error {
	for i, name := range levelNames {
		if name == string(text) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", text)
}

// Thresholds bound the normal ranges of temperature (°C) and humidity (%).
type Thresholds struct {
	TempLow      float64
	TempHigh     float64
	TempVeryHigh float64
	HumLow       float64
	HumHigh      float64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempLow:      15,
		TempHigh:     30,
		TempVeryHigh: 40,
		HumLow:       30,
		HumHigh:      70,
	}
}

// Alert is the classification of one reading.
type Alert struct {
	Temperature Level `json:"temperature"`
	Humidity    Level `json:"humidity"`
}

// Normal reports whether both measurements are within range.
func (a Alert) Normal() bool {
	return a.Temperature == LevelNormal && a.Humidity == LevelNormal
}

// Temperature classifies v. TempVeryHigh is inclusive, TempHigh is not.
func (t Thresholds) Temperature(v float64) Level {
	switch {
	case v < t.TempLow:
		return LevelLow
	case v >= t.TempVeryHigh:
		return LevelVeryHigh
	case v > t.TempHigh:
		return LevelHigh
	}
	return LevelNormal
}

// Humidity classifies v. Humidity has no very-high band.
func (t Thresholds) Humidity(v float64) Level {
	switch {
	case v < t.HumLow:
		return LevelLow
	case v > t.HumHigh:
		return LevelHigh
	}
	return LevelNormal
}

// Classify classifies both measurements of r.
func (t Thresholds) Classify(r Reading) Alert {
	return Alert{
		Temperature: t.Temperature(r.Temperature),
		Humidity:    t.Humidity(r.Humidity),
	}
}
