package manager

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
)

// run is one spawned dev-server process. A project goes through several runs
// when the start loop retries after a port conflict.
type run struct {
	seq       uint64
	handle    process.Handle
	port      int
	secondary int
	match     matchers
	spawnedAt time.Time
	closers   []io.Closer

	readyOnce    sync.Once
	readyCh      chan struct{}
	conflictOnce sync.Once
	conflictCh   chan struct{}

	// exited is closed after the exit has been handled.
	exited    chan struct{}
	discarded atomic.Bool
}

func newRun(seq uint64, h process.Handle, port, secondary int, match matchers) *run {
	return &run{
		seq:        seq,
		handle:     h,
		port:       port,
		secondary:  secondary,
		match:      match,
		spawnedAt:  time.Now(),
		readyCh:    make(chan struct{}),
		conflictCh: make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

func (r *run) markReady()    { r.readyOnce.Do(func() { close(r.readyCh) }) }
func (r *run) markConflict() { r.conflictOnce.Do(func() { close(r.conflictCh) }) }

func (r *run) conflicted() bool { return closed(r.conflictCh) }
func (r *run) hasExited() bool  { return closed(r.exited) }

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// managedProcess is the supervisor's record for one project.
type managedProcess struct {
	id  string
	dir string

	// ctx is cancelled by Stop; it bounds the start loop's waits.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	port     int
	run      *run
	output   *ring
	health   *health.Status
	removed  bool
	stopping chan struct{} // non-nil once a Stop has begun
}

// halted reports whether the record is being or has been stopped.
// Caller holds mp.mu.
func (mp *managedProcess) halted() bool { return mp.removed || mp.stopping != nil }

// current reports whether r is still the record's live run. Caller holds mp.mu.
func (mp *managedProcess) current(r *run) bool {
	return !mp.halted() && mp.run == r && !r.discarded.Load()
}

func (mp *managedProcess) pid() int {
	if mp.run == nil {
		return 0
	}
	return mp.run.handle.PID()
}

func (mp *managedProcess) info(active string, crashes int) ProjectInfo {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	info := ProjectInfo{
		ID:         mp.id,
		Dir:        mp.dir,
		State:      mp.state,
		PID:        mp.pid(),
		Active:     mp.id == active,
		CrashCount: crashes,
	}
	if mp.run != nil {
		info.Port = mp.port
	}
	if mp.health != nil {
		h := *mp.health
		info.Health = &h
	}
	return info
}
