package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonize re-executes serve in the background, detached from the terminal,
// and exits the parent.
func daemonize(logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// daemonArgs drops the daemonize and logfile flags so the child runs in the
// foreground with its output already redirected.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

func writePidFile(pidFile string, pid int) error {
	// #nosec G304
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o644)
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
