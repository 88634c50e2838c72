// Package process spawns dev-server children and exposes them as Handles:
// a tagged stream of output lines, an exit notification and bounded
// termination. It holds no retry or lifecycle policy.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// ErrNotExited is returned by Terminate when the child survived SIGKILL for
// the whole post-kill wait.
var ErrNotExited = errors.New("process did not exit")

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of child output. Text has ANSI escapes removed; Raw is
// what the child wrote.
type Line struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	Raw    string    `json:"raw"`
	Time   time.Time `json:"time"`
}

// ExitStatus describes how a child ended. Code is -1 when it was killed by a
// signal.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    error  `json:"-"`
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Handle is a running (or finished) child.
type Handle interface {
	PID() int
	// Lines is closed after the child exits and both streams are drained.
	// It must be consumed or the child will eventually block on write.
	Lines() <-chan Line
	// Done is closed once the exit status is known and Lines is closed.
	Done() <-chan struct{}
	// Exit is valid after Done.
	Exit() ExitStatus
	Alive() bool
	Signal(sig os.Signal) error
	// Terminate sends SIGTERM to the process group, waits up to grace, then
	// SIGKILL. It returns once the child is confirmed gone or the post-kill
	// wait elapsed.
	Terminate(grace time.Duration) error
}

// Spawner starts children. Spawn errors are returned synchronously.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

const (
	defaultKillWait  = 2 * time.Second
	defaultDrainWait = 500 * time.Millisecond
	lineBuffer       = 256
	maxLineBytes     = 1 << 20
)

// ExecSpawner spawns real OS processes.
type ExecSpawner struct {
	// KillWait bounds how long Terminate waits after SIGKILL.
	KillWait time.Duration
	// DrainWait bounds how long output is read after the child exits; a
	// grandchild holding the pipes open is cut off after this.
	DrainWait time.Duration
}

func (s ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, err
	}
	// The child holds its own copies now.
	_ = outW.Close()
	_ = errW.Close()

	h := &execHandle{
		proc:     cmd.Process,
		lines:    make(chan Line, lineBuffer),
		done:     make(chan struct{}),
		killWait: valOr(s.KillWait, defaultKillWait),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go h.scan(&readers, outR, Stdout, spec.Stdout)
	go h.scan(&readers, errR, Stderr, spec.Stderr)
	go h.wait(cmd.Wait, &readers, valOr(s.DrainWait, defaultDrainWait), outR, errR)
	return h, nil
}

type execHandle struct {
	proc     *os.Process
	lines    chan Line
	done     chan struct{}
	killWait time.Duration

	mu   sync.Mutex
	exit ExitStatus
}

func (h *execHandle) scan(wg *sync.WaitGroup, r io.Reader, stream Stream, sink io.Writer) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		raw := strings.TrimRight(sc.Text(), "\r")
		if sink != nil {
			_, _ = io.WriteString(sink, raw+"\n")
		}
		h.lines <- Line{Stream: stream, Text: ansi.Strip(raw), Raw: raw, Time: time.Now()}
	}
}

func (h *execHandle) wait(wait func() error, readers *sync.WaitGroup, drain time.Duration, pipes ...*os.File) {
	err := wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drain):
		for _, p := range pipes {
			_ = p.Close()
		}
		<-drained
	}
	for _, p := range pipes {
		_ = p.Close()
	}

	st := exitStatus(err)
	h.mu.Lock()
	h.exit = st
	h.mu.Unlock()
	close(h.lines)
	close(h.done)
}

func exitStatus(err error) ExitStatus {
	st := ExitStatus{Code: -1, Err: err}
	var exitErr *exec.ExitError
	if err == nil {
		st.Code = 0
		return st
	}
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				st.Signal = ws.Signal().String()
				return st
			}
			st.Code = ws.ExitStatus()
		}
	}
	return st
}

func (h *execHandle) PID() int              { return h.proc.Pid }
func (h *execHandle) Lines() <-chan Line    { return h.lines }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Exit() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *execHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *execHandle) Alive() bool {
	if h.exited() {
		return false
	}
	return PIDAlive(h.proc.Pid)
}

func (h *execHandle) Signal(sig os.Signal) error {
	if h.exited() {
		return os.ErrProcessDone
	}
	return sendSignal(h.proc, sig)
}

func (h *execHandle) Terminate(grace time.Duration) error {
	if h.exited() {
		return nil
	}
	_ = terminateGroup(h.proc.Pid)
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	_ = killGroup(h.proc.Pid)
	select {
	case <-h.done:
		return nil
	case <-time.After(h.killWait):
		return fmt.Errorf("pid %d: %w", h.proc.Pid, ErrNotExited)
	}
}

func valOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
