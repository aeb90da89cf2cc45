package sensors

import (
	"context"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openpulse/pulse/config"
)

// activeWindow is how recently the main transcript must have been
// touched to count as an active conversation.
const activeWindow = 120 * time.Second

// ConversationSensor detects when a human is actively talking to the
// hosting agent. It is the hard suppressor: while a conversation is
// live the daemon must not interrupt.
//
// Detection is transcript recency: the largest .jsonl under a session
// directory is the main session (cron and sub-agent sessions stay
// small), and a fresh mtime on it means a human is typing.
type ConversationSensor struct {
	cfg *config.Config

	// SessionDirs are searched in order; the first that exists wins.
	SessionDirs []string

	lastHumanActivity float64 // unix seconds, 0 = never seen

	// Now is swappable for tests.
	Now func() time.Time
}

// minMainSessionSize filters out small hook and probe sessions.
const minMainSessionSize = 100_000

// NewConversationSensor creates the sensor with default session
// directory candidates derived from the workspace root.
func NewConversationSensor(cfg *config.Config) *ConversationSensor {
	root := config.ExpandHome(cfg.Workspace.Root)
	return &ConversationSensor{
		cfg: cfg,
		SessionDirs: []string{
			filepath.Join(filepath.Dir(root), "sessions"),
			config.ExpandHome("~/.pulse/sessions"),
		},
		Now: time.Now,
	}
}

func (s *ConversationSensor) Name() string { return "conversation" }

func (s *ConversationSensor) Initialize() error {
	for _, dir := range s.SessionDirs {
		if isDirectory(dir) {
			log.Printf("pulse: conversation sensor watching %s", dir)
			return nil
		}
	}
	log.Println("pulse: conversation sensor found no session directory; reporting inactive")
	return nil
}

func (s *ConversationSensor) Stop() error { return nil }

// Read reports conversation activity and the post-conversation
// cooldown window.
func (s *ConversationSensor) Read(ctx context.Context) (map[string]any, error) {
	now := s.Now()
	active := false

	for _, dir := range s.SessionDirs {
		path, size := largestTranscript(dir)
		if path == "" {
			continue
		}
		if size > minMainSessionSize {
			if info, err := os.Stat(path); err == nil {
				mtime := info.ModTime()
				if now.Sub(mtime) < activeWindow {
					active = true
					s.lastHumanActivity = math.Max(s.lastHumanActivity, float64(mtime.Unix()))
				}
			}
		}
		break // only the first existing directory counts
	}

	cooldown := time.Duration(s.cfg.Evaluator.Rules.ConversationCooldownMinutes) * time.Minute
	inCooldown := false
	var secondsSince float64
	if s.lastHumanActivity > 0 {
		secondsSince = float64(now.Unix()) - s.lastHumanActivity
		inCooldown = secondsSince < cooldown.Seconds()
	}

	return map[string]any{
		"active":              active,
		"in_cooldown":         inCooldown,
		"last_human_activity": s.lastHumanActivity,
		"seconds_since":       secondsSince,
	}, nil
}

// largestTranscript returns the biggest .jsonl in dir, skipping probe
// files. Empty path means no candidate.
func largestTranscript(dir string) (string, int64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}
	var best string
	var bestSize int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || strings.HasPrefix(e.Name(), "probe-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			bestSize = info.Size()
			best = filepath.Join(dir, e.Name())
		}
	}
	return best, bestSize
}
