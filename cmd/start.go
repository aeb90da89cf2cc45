package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/openpulse/pulse/config"
	"github.com/openpulse/pulse/daemon"
)

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	return daemon.New(cfg).Run(context.Background())
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	wait := fs.Duration("wait", 15*time.Second, "how long to wait for the daemon to exit")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	pidPath := config.ExpandHome(cfg.Daemon.PIDFile)
	pid, ok := daemon.ReadPID(pidPath)
	if !ok {
		return fmt.Errorf("no pid file at %s — is pulse running?", pidPath)
	}
	if !daemon.ProcessAlive(pid) {
		os.Remove(pidPath)
		return fmt.Errorf("stale pid file removed (pid %d not running)", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Printf("pulse stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("pulse (pid %d) did not exit within %s", pid, *wait)
}
