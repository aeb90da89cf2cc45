package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Chronicle appends trigger and mutation lines to a dated markdown note
// so the agent's daily log reflects what the daemon did on its behalf.
// It subscribes to the internal event bus.
type Chronicle struct {
	dir       string
	markWrite func(path string)

	Now func() time.Time
}

// NewChronicle writes notes under dir. markWrite, when non-nil, is
// called with every path written so the filesystem sensor can ignore
// the daemon's own notes.
func NewChronicle(dir string, markWrite func(string)) *Chronicle {
	return &Chronicle{dir: dir, markWrite: markWrite, Now: time.Now}
}

// Handle is the event-bus subscriber.
func (c *Chronicle) Handle(evt Event) {
	switch evt.Type {
	case EventTriggerSuccess:
		c.appendLine(fmt.Sprintf("- %s pulse trigger: %s", c.stamp(), evt.Decision.Reason))
	case EventTriggerFailure:
		c.appendLine(fmt.Sprintf("- %s pulse trigger failed: %s", c.stamp(), evt.Decision.Reason))
	case EventMutationApplied:
		c.appendLine(fmt.Sprintf("- %s pulse mutation: %s %s", c.stamp(),
			evt.Mutation.Type, evt.Mutation.Drive))
	}
}

func (c *Chronicle) stamp() string {
	return c.Now().Format("15:04")
}

func (c *Chronicle) notePath() string {
	return filepath.Join(c.dir, c.Now().Format("2006-01-02")+".md")
}

func (c *Chronicle) appendLine(line string) {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		log.Printf("pulse: chronicle dir: %v", err)
		return
	}
	path := c.notePath()
	if c.markWrite != nil {
		c.markWrite(path)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Printf("pulse: chronicle open: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		log.Printf("pulse: chronicle write: %v", err)
	}
}
