// Package tempstore keeps a rolling window of temperature samples per
// sensor, fed from status update pushes and served to clients that want to
// render a history graph without polling. Sensors are discovered from the
// updates themselves: any object reporting a temperature attribute is
// tracked.
package tempstore

import (
	"sync"
	"time"

	"github.com/homepods/printbridge/errors"
	"github.com/homepods/printbridge/pkg/buffer"
)

// sampleInterval is the minimum spacing between stored samples per sensor.
// Status ticks may run faster; extra updates between samples are skipped.
const sampleInterval = time.Second

// Store accumulates per-sensor temperature history.
type Store struct {
	window     int
	minSpacing time.Duration

	mu      sync.Mutex
	sensors map[string]*sensorHistory
}

type sensorHistory struct {
	temperatures *buffer.Ring[float64]
	targets      *buffer.Ring[float64]
	hasTarget    bool
	lastSample   time.Time
}

// New creates a store holding up to window samples per sensor.
func New(window int) (*Store, error) {
	if window <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "Store", "New", "window size")
	}
	return &Store{
		window:     window,
		minSpacing: sampleInterval,
		sensors:    make(map[string]*sensorHistory),
	}, nil
}

// Record ingests one status payload of object name to attribute map. Objects
// without a numeric temperature attribute are ignored.
func (s *Store) Record(status map[string]any) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, raw := range status {
		attrs, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		temp, ok := numeric(attrs["temperature"])
		if !ok {
			continue
		}

		hist, ok := s.sensors[name]
		if !ok {
			temps, err := buffer.NewRing[float64](s.window)
			if err != nil {
				continue
			}
			targets, err := buffer.NewRing[float64](s.window)
			if err != nil {
				continue
			}
			hist = &sensorHistory{temperatures: temps, targets: targets}
			s.sensors[name] = hist
		}
		if !hist.lastSample.IsZero() && now.Sub(hist.lastSample) < s.minSpacing {
			continue
		}
		hist.lastSample = now

		hist.temperatures.Write(temp)
		if target, ok := numeric(attrs["target"]); ok {
			hist.hasTarget = true
			hist.targets.Write(target)
		}
	}
}

// SensorHistory is the serialized per-sensor window.
type SensorHistory struct {
	Temperatures []float64 `json:"temperatures"`
	Targets      []float64 `json:"targets,omitempty"`
}

// History snapshots every tracked sensor's window, oldest sample first.
func (s *Store) History() map[string]SensorHistory {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]SensorHistory, len(s.sensors))
	for name, hist := range s.sensors {
		entry := SensorHistory{Temperatures: hist.temperatures.Snapshot()}
		if hist.hasTarget {
			entry.Targets = hist.targets.Snapshot()
		}
		out[name] = entry
	}
	return out
}

// Reset discards all history, used when the host restarts and sensor
// identity may have changed.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors = make(map[string]*sensorHistory)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
