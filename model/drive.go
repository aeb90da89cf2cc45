package model

import "time"

// Drive is a single internal motivation with accumulating pressure.
// Pressure grows over time, spikes on external events, and decays when
// the drive is addressed by a successful agent turn.
type Drive struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Pressure      float64 `json:"pressure"`
	Weight        float64 `json:"weight"`
	LastAddressed float64 `json:"last_addressed"` // unix seconds, 0 = never
}

// WeightedPressure is the drive's effective pressure.
func (d *Drive) WeightedPressure() float64 {
	return d.Pressure * d.Weight
}

// Tick accumulates pressure for elapsed time dt. Rate is per-minute.
func (d *Drive) Tick(dt time.Duration, rate, maxPressure float64) {
	d.Pressure = min(maxPressure, d.Pressure+rate*(dt.Seconds()/60.0)*d.Weight)
}

// Spike applies an immediate pressure increase from an external event.
func (d *Drive) Spike(amount, maxPressure float64) {
	d.Pressure = min(maxPressure, d.Pressure+amount)
}

// Decay reduces pressure after the drive has been addressed.
func (d *Drive) Decay(amount float64) {
	d.Pressure = max(0, d.Pressure-amount)
}

// DriveState is an immutable snapshot of all drives at one tick.
type DriveState struct {
	Drives        []Drive   `json:"drives"`
	Timestamp     time.Time `json:"timestamp"`
	TotalPressure float64   `json:"total_pressure"`
	TopDrive      *Drive    `json:"top_drive,omitempty"`
}

// NewDriveState builds a snapshot, computing the derived totals.
// TopDrive points into the snapshot's own Drives slice.
func NewDriveState(drives []Drive, ts time.Time) DriveState {
	st := DriveState{Drives: drives, Timestamp: ts}
	for i := range drives {
		st.TotalPressure += drives[i].WeightedPressure()
		if st.TopDrive == nil || drives[i].WeightedPressure() > st.TopDrive.WeightedPressure() {
			st.TopDrive = &st.Drives[i]
		}
	}
	return st
}

// MaxIndividual returns the highest single weighted pressure.
func (s *DriveState) MaxIndividual() float64 {
	if s.TopDrive == nil {
		return 0
	}
	return s.TopDrive.WeightedPressure()
}
