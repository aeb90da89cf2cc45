package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/model"
)

const dispatchTimeout = 10 * time.Second

// Dispatcher posts trigger turns to the agent webhook and enforces the
// two rate limits: a minimum interval between triggers and a sliding
// one-hour turn cap.
type Dispatcher struct {
	cfg         *config.Config
	client      *http.Client
	integration Integration

	// mu guards the rate-limit bookkeeping: Dispatch consumes its slot
	// under the lock but posts without it, so status reads never wait
	// on the network.
	mu             sync.Mutex
	lastTrigger    time.Time
	turnTimestamps []time.Time
	turnCount      int

	// Now is swappable for tests.
	Now func() time.Time
}

// NewDispatcher builds a dispatcher with the configured integration.
func NewDispatcher(cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		client:      &http.Client{Timeout: dispatchTimeout},
		integration: LoadIntegration(cfg.Daemon.Integration),
		Now:         time.Now,
	}
}

// CanTrigger reports whether a dispatch is allowed right now: the
// cooldown since the last trigger has elapsed and the sliding hour
// window has headroom.
func (d *Dispatcher) CanTrigger() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.Now()
	if !d.lastTrigger.IsZero() &&
		now.Sub(d.lastTrigger) < time.Duration(d.cfg.Webhook.MinTriggerInterval)*time.Second {
		return false
	}
	return d.turnsInLastHourLocked() < d.cfg.Webhook.MaxTurnsPerHour
}

// TurnsInLastHour prunes and counts the sliding window.
func (d *Dispatcher) TurnsInLastHour() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turnsInLastHourLocked()
}

func (d *Dispatcher) turnsInLastHourLocked() int {
	cutoff := d.Now().Add(-time.Hour)
	kept := d.turnTimestamps[:0]
	for _, ts := range d.turnTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.turnTimestamps = kept
	return len(kept)
}

// Dispatch sends one trigger turn. The turn is counted against the
// rate limits before the request goes out: a failed delivery still
// consumed the slot, which keeps a broken webhook from being hammered
// every tick.
func (d *Dispatcher) Dispatch(ctx context.Context, decision model.TriggerDecision) bool {
	d.mu.Lock()
	now := d.Now()
	d.lastTrigger = now
	d.turnTimestamps = append(d.turnTimestamps, now)
	d.turnCount++
	turn := d.turnCount
	d.mu.Unlock()

	message := d.integration.BuildTriggerMessage(decision, d.cfg)
	if err := d.post(ctx, message); err != nil {
		log.Printf("pulse: trigger dispatch failed: %v", err)
		return false
	}
	log.Printf("pulse: trigger #%d dispatched: %s", turn, decision.Reason)
	return true
}

// webhookPayload is the wake-request body.
type webhookPayload struct {
	Message  string `json:"message"`
	Name     string `json:"name"`
	WakeMode string `json:"wakeMode"`
	Deliver  bool   `json:"deliver"`
	Isolated bool   `json:"isolated,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (d *Dispatcher) post(ctx context.Context, message string) error {
	payload := webhookPayload{
		Message:  message,
		Name:     "Pulse",
		WakeMode: "now",
		Deliver:  d.cfg.Webhook.Deliver,
	}
	if d.cfg.Webhook.SessionMode == "isolated" {
		payload.Isolated = true
		payload.Model = d.cfg.Webhook.IsolatedModel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Webhook.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Webhook.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// TurnCount returns triggers dispatched since start.
func (d *Dispatcher) TurnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turnCount
}

// LastTrigger returns the time of the most recent dispatch attempt.
func (d *Dispatcher) LastTrigger() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTrigger
}

// Restore seeds the cooldown clock from persisted state so a restart
// does not immediately re-trigger.
func (d *Dispatcher) Restore(lastTrigger time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTrigger = lastTrigger
}
