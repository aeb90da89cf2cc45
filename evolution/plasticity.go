package evolution

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/openpulse/pulse/drives"
	"github.com/openpulse/pulse/model"
)

// PlasticityConfig bounds how fast drive weights evolve from
// performance data.
type PlasticityConfig struct {
	EvolutionInterval int     // evaluations between weight recalculations
	HistoryWindow     int     // max records kept per drive
	MinWeight         float64 // general floor
	MaxWeight         float64
	ProtectedDrives   map[string]bool // higher floor
	ProtectedMin      float64
	MaxDeltaPerCycle  float64
	MinTriggers       int // minimum data before adjusting
}

// DefaultPlasticityConfig returns the standard evolution envelope.
func DefaultPlasticityConfig() PlasticityConfig {
	return PlasticityConfig{
		EvolutionInterval: 10,
		HistoryWindow:     100,
		MinWeight:         0.3,
		MaxWeight:         3.0,
		ProtectedDrives:   map[string]bool{"curiosity": true, "emotions": true},
		ProtectedMin:      0.5,
		MaxDeltaPerCycle:  0.1,
		MinTriggers:       3,
	}
}

// EvaluationRecord is one drive trigger plus its observed outcome.
type EvaluationRecord struct {
	Timestamp    float64 `json:"timestamp"`
	DriveName    string  `json:"drive_name"`
	Triggered    bool    `json:"triggered"`
	Success      bool    `json:"success"`
	QualityScore float64 `json:"quality_score"` // 0..1
	LoopAverage  float64 `json:"loop_average"`  // normalized 0..1
	Context      string  `json:"context,omitempty"`
}

// drivePerformance aggregates a drive's history.
type drivePerformance struct {
	totalTriggers int
	succeeded     int
	failed        int
	totalQuality  float64
}

// no data = neutral 0.5 on every rate
func (p drivePerformance) truePositiveRate() float64 {
	if p.totalTriggers == 0 {
		return 0.5
	}
	return float64(p.succeeded) / float64(p.totalTriggers)
}

func (p drivePerformance) falsePositiveRate() float64 {
	if p.totalTriggers == 0 {
		return 0.5
	}
	return float64(p.failed) / float64(p.totalTriggers)
}

func (p drivePerformance) averageQuality() float64 {
	if p.totalTriggers == 0 {
		return 0.5
	}
	return p.totalQuality / float64(p.totalTriggers)
}

// WeightChange is one evolved adjustment.
type WeightChange struct {
	Drive     string  `json:"drive"`
	Before    float64 `json:"before"`
	After     float64 `json:"after"`
	Delta     float64 `json:"delta"`
	Reasoning string  `json:"reasoning"`
}

// EvolutionResult reports one evolve cycle.
type EvolutionResult struct {
	Timestamp       float64                   `json:"timestamp"`
	EvaluationCount int                       `json:"evaluation_count"`
	Changes         []WeightChange            `json:"changes"`
	Performances    map[string]map[string]any `json:"performances"`
}

// Plasticity learns which drives produce good work and adjusts their
// weights inside hard bounds. This is the slow feedback path: outcomes
// accumulate, and every EvolutionInterval evaluations the weights move
// at most MaxDeltaPerCycle.
type Plasticity struct {
	cfg       PlasticityConfig
	audit     *AuditLog
	statePath string

	history         map[string][]EvaluationRecord
	evaluationCount int
	lastEvolution   float64

	// Weights, when set, supplies live drive weights for the evolve
	// cycles RecordEvaluation runs on its own.
	Weights func() map[string]float64
}

// NewPlasticity loads persisted performance history from stateDir.
func NewPlasticity(cfg PlasticityConfig, stateDir string, audit *AuditLog) *Plasticity {
	p := &Plasticity{
		cfg:       cfg,
		audit:     audit,
		statePath: filepath.Join(stateDir, "drive-performance.json"),
		history:   make(map[string][]EvaluationRecord),
	}
	p.loadState()
	return p
}

func (p *Plasticity) loadState() {
	data, err := os.ReadFile(p.statePath)
	if err != nil {
		return
	}
	var persisted struct {
		EvaluationCount   int                           `json:"evaluation_count"`
		LastEvolutionTime float64                       `json:"last_evolution_time"`
		History           map[string][]EvaluationRecord `json:"history"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		log.Printf("pulse: failed to load drive performance state: %v", err)
		return
	}
	p.evaluationCount = persisted.EvaluationCount
	p.lastEvolution = persisted.LastEvolutionTime
	if persisted.History != nil {
		p.history = persisted.History
	}
	log.Printf("pulse: loaded drive performance state: %d evaluations tracked", p.evaluationCount)
}

func (p *Plasticity) saveState() {
	trimmed := make(map[string][]EvaluationRecord, len(p.history))
	for name, records := range p.history {
		if len(records) > p.cfg.HistoryWindow {
			records = records[len(records)-p.cfg.HistoryWindow:]
		}
		trimmed[name] = records
	}
	data, err := json.MarshalIndent(map[string]any{
		"evaluation_count":    p.evaluationCount,
		"last_evolution_time": p.lastEvolution,
		"history":             trimmed,
	}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.statePath), 0o700); err != nil {
		return
	}
	if err := os.WriteFile(p.statePath, data, 0o600); err != nil {
		log.Printf("pulse: failed to save drive performance state: %v", err)
	}
}

// RecordEvaluation logs one outcome. loopAverage arrives on a 0-10
// scale and is normalized. Returns a non-nil result when the record
// completed an evolution interval.
func (p *Plasticity) RecordEvaluation(driveName string, success bool, qualityScore, loopAverage float64, context string) *EvolutionResult {
	rec := EvaluationRecord{
		Timestamp:    float64(time.Now().UnixMilli()) / 1000,
		DriveName:    driveName,
		Triggered:    true,
		Success:      success,
		QualityScore: math.Max(0, math.Min(1, qualityScore)),
		LoopAverage:  math.Max(0, math.Min(1, loopAverage/10.0)),
		Context:      context,
	}

	p.history[driveName] = append(p.history[driveName], rec)
	if len(p.history[driveName]) > p.cfg.HistoryWindow {
		p.history[driveName] = p.history[driveName][len(p.history[driveName])-p.cfg.HistoryWindow:]
	}
	p.evaluationCount++
	p.saveState()

	log.Printf("pulse: recorded evaluation #%d: drive=%s success=%t quality=%.2f",
		p.evaluationCount, driveName, success, qualityScore)

	if p.evaluationCount%p.cfg.EvolutionInterval == 0 {
		var current map[string]float64
		if p.Weights != nil {
			current = p.Weights()
		}
		result := p.Evolve(current)
		return &result
	}
	return nil
}

// Evolve recalculates weights from the rolling history. currentWeights
// maps drive name to its live weight; drives absent from the map keep
// history-relative defaults.
func (p *Plasticity) Evolve(currentWeights map[string]float64) EvolutionResult {
	p.lastEvolution = float64(time.Now().UnixMilli()) / 1000
	result := EvolutionResult{
		Timestamp:       p.lastEvolution,
		EvaluationCount: p.evaluationCount,
		Performances:    make(map[string]map[string]any),
	}

	for driveName, records := range p.history {
		if len(records) == 0 {
			continue
		}
		perf := aggregate(records)
		result.Performances[driveName] = map[string]any{
			"true_positive_rate":  round3(perf.truePositiveRate()),
			"false_positive_rate": round3(perf.falsePositiveRate()),
			"average_quality":     round3(perf.averageQuality()),
			"total_triggers":      perf.totalTriggers,
		}

		current, ok := currentWeights[driveName]
		if !ok {
			current = 1.0
		}
		next := p.newWeight(driveName, current, perf)
		if next == current {
			continue
		}

		change := WeightChange{
			Drive:  driveName,
			Before: round4(current),
			After:  round4(next),
			Delta:  round4(next - current),
			Reasoning: fmt.Sprintf("%s %s %.2f->%.2f (TP:%.0f%% FP:%.0f%% quality:%.0f%% n=%d)",
				driveName, direction(current, next), current, next,
				perf.truePositiveRate()*100, perf.falsePositiveRate()*100,
				perf.averageQuality()*100, perf.totalTriggers),
		}
		result.Changes = append(result.Changes, change)

		p.audit.Record(model.MutationRecord{
			Timestamp: float64(time.Now().UnixMilli()) / 1000,
			Type:      "drive_evolution",
			Target:    "drives." + driveName + ".weight",
			Before:    change.Before,
			After:     change.After,
			Reason:    change.Reasoning,
			Source:    "drive_evolution",
		})
	}

	p.saveState()

	if len(result.Changes) > 0 {
		log.Printf("pulse: drive evolution cycle complete: %d weight changes", len(result.Changes))
	} else {
		log.Println("pulse: drive evolution cycle complete: no changes needed")
	}
	return result
}

// ApplyEvolvedWeights runs an evolve cycle against the engine's live
// weights and writes the changes back.
func (p *Plasticity) ApplyEvolvedWeights(engine *drives.Engine) EvolutionResult {
	current := make(map[string]float64)
	for _, name := range engine.Names() {
		current[name] = engine.Drive(name).Weight
	}

	result := p.Evolve(current)
	for _, change := range result.Changes {
		if d := engine.Drive(change.Drive); d != nil {
			d.Weight = change.After
			log.Printf("pulse: applied evolved weight: %s = %g", change.Drive, change.After)
		}
	}
	return result
}

// newWeight computes the evolved weight for one drive.
//
// Composite = 0.4*TP + 0.3*quality + 0.3*(1-FP). Above 0.6 the drive
// earns weight; below 0.4 it loses weight; between is a dead zone.
// The step is proportional to distance from the 0.5 center, capped per
// cycle, and clamped into the floor/ceiling.
func (p *Plasticity) newWeight(driveName string, current float64, perf drivePerformance) float64 {
	if perf.totalTriggers < p.cfg.MinTriggers {
		return current
	}

	composite := 0.4*perf.truePositiveRate() +
		0.3*perf.averageQuality() +
		0.3*(1.0-perf.falsePositiveRate())

	if composite >= 0.4 && composite <= 0.6 {
		return current
	}

	rawDelta := (composite - 0.5) * 0.5
	delta := math.Max(-p.cfg.MaxDeltaPerCycle, math.Min(p.cfg.MaxDeltaPerCycle, rawDelta))

	floor := p.cfg.MinWeight
	if p.cfg.ProtectedDrives[driveName] {
		floor = p.cfg.ProtectedMin
	}
	return round4(math.Max(floor, math.Min(p.cfg.MaxWeight, current+delta)))
}

// PerformanceSummary reports per-drive rates for the health surface.
func (p *Plasticity) PerformanceSummary() map[string]any {
	driveView := make(map[string]any, len(p.history))
	for name, records := range p.history {
		perf := aggregate(records)
		driveView[name] = map[string]any{
			"total_triggers":      perf.totalTriggers,
			"true_positive_rate":  round3(perf.truePositiveRate()),
			"false_positive_rate": round3(perf.falsePositiveRate()),
			"average_quality":     round3(perf.averageQuality()),
		}
	}
	return map[string]any{
		"evaluation_count": p.evaluationCount,
		"last_evolution":   p.lastEvolution,
		"drives":           driveView,
	}
}

func aggregate(records []EvaluationRecord) drivePerformance {
	var perf drivePerformance
	for _, r := range records {
		if !r.Triggered {
			continue
		}
		perf.totalTriggers++
		if r.Success {
			perf.succeeded++
		} else {
			perf.failed++
		}
		perf.totalQuality += r.QualityScore
	}
	return perf
}

func direction(before, after float64) string {
	if after > before {
		return "increased"
	}
	return "decreased"
}

func round3(v float64) float64 { return math.Round(v*1e3) / 1e3 }
