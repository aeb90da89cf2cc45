package sensors

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/openpulse/pulse/config"
)

// subprocessTimeout bounds every external query so a hung tool cannot
// stall the sensor fan-in.
const subprocessTimeout = 5 * time.Second

// SystemSensor checks host health: memory pressure and the liveness of
// watched processes.
type SystemSensor struct {
	cfg *config.SystemSensorConfig

	// meminfoPath is swappable for tests.
	meminfoPath string
}

// NewSystemSensor creates the sensor.
func NewSystemSensor(cfg *config.SystemSensorConfig) *SystemSensor {
	return &SystemSensor{cfg: cfg, meminfoPath: "/proc/meminfo"}
}

func (s *SystemSensor) Name() string      { return "system" }
func (s *SystemSensor) Initialize() error { return nil }
func (s *SystemSensor) Stop() error       { return nil }

// Read returns the current alert list. Individual check failures are
// silent: an unreadable meminfo or a missing pgrep binary is not an
// alert condition.
func (s *SystemSensor) Read(ctx context.Context) (map[string]any, error) {
	var alerts []any

	if a := s.checkMemory(); a != nil {
		alerts = append(alerts, a)
	}
	for _, name := range s.cfg.WatchProcesses {
		if a := s.checkProcess(ctx, name); a != nil {
			alerts = append(alerts, a)
		}
	}

	if alerts == nil {
		alerts = []any{}
	}
	return map[string]any{"alerts": alerts}, nil
}

// checkMemory alerts when used memory exceeds the configured threshold.
func (s *SystemSensor) checkMemory() map[string]any {
	data, err := os.ReadFile(s.meminfoPath)
	if err != nil {
		return nil
	}
	total := meminfoKB(data, "MemTotal:")
	avail := meminfoKB(data, "MemAvailable:")
	if total <= 0 || avail < 0 {
		return nil
	}
	usedPercent := 100 * (total - avail) / total
	if usedPercent < int64(s.cfg.MemoryThresholdPercent) {
		return nil
	}
	return map[string]any{
		"type":     "memory_pressure",
		"free_mb":  int(avail / 1024),
		"severity": "high",
	}
}

// checkProcess alerts when pgrep finds no process matching name.
func (s *SystemSensor) checkProcess(ctx context.Context, name string) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, subprocessTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "pgrep", "-f", name)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if ctx.Err() != nil || !errors.As(err, &exitErr) {
			// pgrep missing or killed by timeout: not a process alert
			return nil
		}
		return map[string]any{
			"type":     "process_down",
			"process":  name,
			"severity": "medium",
		}
	}
	return nil
}

// meminfoKB extracts one /proc/meminfo value in kB, or -1.
func meminfoKB(data []byte, key string) int64 {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, key) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return -1
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return -1
		}
		return v
	}
	return -1
}
