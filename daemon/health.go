package daemon

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

// Router builds the health surface. Localhost-only, read-only except
// for the feedback intake.
func (d *Daemon) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", d.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", d.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/evolution", d.handleEvolution).Methods(http.MethodGet)
	r.HandleFunc("/mutations", d.handleMutations).Methods(http.MethodGet)
	r.HandleFunc("/feedback", d.handleFeedback).Methods(http.MethodPost)
	r.Handle("/metrics", d.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("pulse: health response encode failed: %v", err)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	uptime := 0.0
	if !d.startTime.IsZero() {
		uptime = d.Now().Sub(d.startTime).Seconds()
	}
	resp := map[string]any{
		"status":         "ok",
		"running":        d.running,
		"uptime_seconds": uptime,
		"turn_count":     d.dispatcher.TurnCount(),
		"version":        config.Version,
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	ds := d.lastState
	resp := map[string]any{
		"drives":         ds.Drives,
		"total_pressure": ds.TotalPressure,
		"top_drive":      nil,
		"trigger_stats":  d.st.GetTriggerStats(),
		"rate_limit": map[string]any{
			"turns_in_last_hour":   d.dispatcher.TurnsInLastHour(),
			"max_turns_per_hour":   d.cfg.Webhook.MaxTurnsPerHour,
			"min_trigger_interval": d.cfg.Webhook.MinTriggerInterval,
			"can_trigger":          d.dispatcher.CanTrigger(),
		},
		"evaluator": map[string]any{
			"mode": d.cfg.Evaluator.Mode,
		},
		"subsystems": d.nervous.Names(),
	}
	if ds.TopDrive != nil {
		resp["top_drive"] = ds.TopDrive.Name
	}
	if last := d.dispatcher.LastTrigger(); !last.IsZero() {
		resp["rate_limit"].(map[string]any)["last_trigger"] = float64(last.UnixMilli()) / 1000
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleEvolution(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	resp := map[string]any{
		"mutator":     d.mutator.State(),
		"plasticity":  d.plasticity.PerformanceSummary(),
		"audit_valid": d.mutator.Audit().Verify() == -1,
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleMutations(w http.ResponseWriter, r *http.Request) {
	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "n must be an integer in [1, 1000]",
			})
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mutations": d.mutator.Audit().Recent(n),
		"total":     d.mutator.Audit().Count(),
	})
}

func (d *Daemon) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var msg model.FeedbackMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid feedback body"})
		return
	}
	updates := d.ApplyFeedback(msg)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"drives_updated": updates,
	})
}
