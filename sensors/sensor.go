// Package sensors implements passive environment monitoring. Sensors
// observe the world without making model calls and feed raw signals
// into the drive engine.
package sensors

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

// Sensor is one environmental observer. Read must be safe to call from
// the manager's fan-out goroutines.
type Sensor interface {
	Name() string
	Initialize() error
	Read(ctx context.Context) (map[string]any, error)
	Stop() error
}

// Manager supervises the registered sensors and produces one combined
// reading per tick.
type Manager struct {
	mu      sync.Mutex
	sensors []Sensor
}

// NewManager registers the enabled sensors. The conversation sensor is
// always on: it feeds the evaluator's suppression logic.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{}
	if cfg.Sensors.Filesystem.Enabled {
		m.sensors = append(m.sensors, NewFilesystemSensor(&cfg.Sensors.Filesystem))
	}
	if cfg.Sensors.System.Enabled {
		m.sensors = append(m.sensors, NewSystemSensor(&cfg.Sensors.System))
	}
	m.sensors = append(m.sensors, NewConversationSensor(cfg))
	return m
}

// Start initializes all sensors. A sensor that fails to initialize is
// logged and skipped; the rest still run.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	alive := m.sensors[:0]
	for _, s := range m.sensors {
		if err := s.Initialize(); err != nil {
			log.Printf("pulse: sensor %q failed to initialize: %v", s.Name(), err)
			continue
		}
		alive = append(alive, s)
	}
	m.sensors = alive
	log.Printf("pulse: started %d sensors", len(m.sensors))
}

// Stop shuts down all sensors.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sensors {
		if err := s.Stop(); err != nil {
			log.Printf("pulse: error stopping sensor %q: %v", s.Name(), err)
		}
	}
	log.Println("pulse: all sensors stopped")
}

// AddSensor registers a sensor at runtime. The caller is responsible
// for initializing it first.
func (m *Manager) AddSensor(s Sensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sensors = append(m.sensors, s)
	log.Printf("pulse: registered sensor %q", s.Name())
}

// Filesystem returns the filesystem sensor if registered, for
// self-write marking.
func (m *Manager) Filesystem() *FilesystemSensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sensors {
		if fs, ok := s.(*FilesystemSensor); ok {
			return fs
		}
	}
	return nil
}

// Conversation returns the conversation sensor, for wiring session
// directories.
func (m *Manager) Conversation() *ConversationSensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sensors {
		if c, ok := s.(*ConversationSensor); ok {
			return c
		}
	}
	return nil
}

// Read fans out to every sensor concurrently and fans the payloads back
// in. A sensor error becomes {"error": msg} so one bad sensor cannot
// wedge the loop.
func (m *Manager) Read(ctx context.Context) model.SensorReading {
	m.mu.Lock()
	sensors := make([]Sensor, len(m.sensors))
	copy(sensors, m.sensors)
	m.mu.Unlock()

	reading := make(model.SensorReading, len(sensors))
	var rmu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sensors {
		g.Go(func() error {
			payload, err := s.Read(ctx)
			if err != nil {
				log.Printf("pulse: sensor %q error: %v", s.Name(), err)
				payload = map[string]any{"error": err.Error()}
			}
			rmu.Lock()
			reading[s.Name()] = payload
			rmu.Unlock()
			return nil
		})
	}
	g.Wait()
	return reading
}
