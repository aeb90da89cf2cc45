package cmd

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/evolution"
	"github.com/openpulse/pulse/model"
)

func runMutate(args []string) error {
	fs := flag.NewFlagSet("mutate", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	mutType := fs.String("type", "", "mutation type (adjust_weight, adjust_threshold, adjust_rate, adjust_cooldown, adjust_turns_per_hour, add_drive, remove_drive, spike_drive, decay_drive)")
	drive := fs.String("drive", "", "target drive")
	name := fs.String("name", "", "new drive name (add_drive)")
	reason := fs.String("reason", "", "why this mutation")
	var value, weight, amount floatFlag
	fs.Var(&value, "value", "new value")
	fs.Var(&weight, "weight", "initial weight (add_drive)")
	fs.Var(&amount, "amount", "spike/decay amount")
	fs.Parse(args)

	if *mutType == "" {
		return fmt.Errorf("-type is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	cmd := model.MutationCommand{
		Type:   *mutType,
		Drive:  *drive,
		Name:   *name,
		Value:  value.ptr,
		Weight: weight.ptr,
		Amount: amount.ptr,
		Reason: *reason,
	}
	queuePath := filepath.Join(cfg.State.ExpandedDir(), "mutations.json")
	if err := evolution.Enqueue(queuePath, cmd); err != nil {
		return err
	}
	fmt.Printf("queued %s (picked up within %ds)\n", *mutType, cfg.Daemon.LoopIntervalSeconds)
	return nil
}

// floatFlag distinguishes "not given" from an explicit zero.
type floatFlag struct {
	ptr *float64
}

func (f *floatFlag) String() string {
	if f.ptr == nil {
		return ""
	}
	return fmt.Sprintf("%g", *f.ptr)
}

func (f *floatFlag) Set(s string) error {
	var v float64
	if _, err := fmt.Sscanf(s, "%g", &v); err != nil {
		return err
	}
	f.ptr = &v
	return nil
}

func runFeedback(args []string) error {
	fs := flag.NewFlagSet("feedback", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	drivesCSV := fs.String("drives", "", "comma-separated drives addressed")
	outcome := fs.String("outcome", model.OutcomeSuccess, "success, partial, or blocked")
	summary := fs.String("summary", "", "what happened")
	fs.Parse(args)

	if *drivesCSV == "" {
		return fmt.Errorf("-drives is required")
	}
	switch *outcome {
	case model.OutcomeSuccess, model.OutcomePartial, model.OutcomeBlocked:
	default:
		return fmt.Errorf("invalid outcome %q", *outcome)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	msg := model.FeedbackMessage{
		DrivesAddressed: strings.Split(*drivesCSV, ","),
		Outcome:         *outcome,
		Summary:         *summary,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post(
		fmt.Sprintf("http://127.0.0.1:%d/feedback", cfg.Daemon.HealthPort),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pulse not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feedback endpoint returned %d", resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
