// Package cmd implements the pulse CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/openpulse/pulse/config"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `pulse v%s — autonomous drive daemon for always-on agents

Usage:
  pulse COMMAND [OPTIONS]

Commands:
  start             Run the daemon in the foreground
  stop              Signal a running daemon to shut down
  status            One-shot view of drives and trigger state
  watch             Live terminal monitor (polls the health surface)
  mutate            Append a mutation command to the queue
  feedback          Report a turn result back to the daemon
  version           Print version and exit

Common options:
  -config PATH      Config file (default: ./pulse.yaml, ~/.pulse/pulse.yaml)

Examples:
  pulse start
  pulse start -config /etc/pulse/pulse.yaml
  pulse status
  pulse watch
  pulse mutate -type adjust_weight -drive curiosity -value 1.2 -reason "explore more"
  pulse mutate -type spike_drive -drive goals -amount 0.4
  pulse feedback -drives goals,curiosity -outcome success -summary "shipped the fix"
  pulse stop
`, config.Version)
}

// Run dispatches the subcommand. A .env beside the process is loaded
// first so ${NAME} config references can resolve from it.
func Run() error {
	godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "start":
		return runStart(args)
	case "stop":
		return runStop(args)
	case "status":
		return runStatus(args)
	case "watch":
		return runWatch(args)
	case "mutate":
		return runMutate(args)
	case "feedback":
		return runFeedback(args)
	case "version":
		fmt.Printf("pulse v%s\n", config.Version)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}
