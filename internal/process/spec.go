package process

import (
	"io"
	"os/exec"
	"strings"
)

// Spec describes one child to spawn.
type Spec struct {
	Name    string   // used only for logging
	Command string   // executable, or a full shell-style command line when Args is empty
	Args    []string // explicit argv; when set Command is exec'd directly
	Dir     string
	Env     []string // complete environment; nil inherits the parent's

	// Optional sinks that receive every raw output line, newline terminated.
	Stdout io.Writer
	Stderr io.Writer
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With explicit Args the command is exec'd as is. Otherwise the Command string
// is parsed: an explicit "sh -c" is honored without wrapping it in another
// shell, shell metacharacters fall back to /bin/sh -c, and anything else is
// split on whitespace.
func (s Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the start
// of cmdStr and returns the shell and the argument after -c. One pair of
// wrapping quotes around the argument is removed.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
