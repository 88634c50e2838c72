// Package ports hands out (primary, secondary) port pairs to projects.
//
// The secondary port is derived from the primary so the two stay in lockstep:
//
//	secondary = SecondaryBase + (primary - PrimaryBase)
//
// An assignment lives until Release; releasing an unknown project is a no-op.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrNoPortAvailable is returned when the configured range holds no free pair.
var ErrNoPortAvailable = errors.New("no port available")

const (
	DefaultPrimaryBase    = 8888
	DefaultPrimaryCeiling = 9888
	DefaultSecondaryBase  = 5174
)

type Config struct {
	PrimaryBase    int `mapstructure:"primary_base"`
	PrimaryCeiling int `mapstructure:"primary_ceiling"`
	SecondaryBase  int `mapstructure:"secondary_base"`
}

func DefaultConfig() Config {
	return Config{
		PrimaryBase:    DefaultPrimaryBase,
		PrimaryCeiling: DefaultPrimaryCeiling,
		SecondaryBase:  DefaultSecondaryBase,
	}
}

func (c Config) Validate() error {
	if c.PrimaryBase <= 0 || c.PrimaryCeiling > 65535 || c.PrimaryBase > c.PrimaryCeiling {
		return fmt.Errorf("invalid primary port range: %d-%d", c.PrimaryBase, c.PrimaryCeiling)
	}
	if c.SecondaryBase <= 0 || c.SecondaryBase+(c.PrimaryCeiling-c.PrimaryBase) > 65535 {
		return fmt.Errorf("invalid secondary base %d for primary range %d-%d", c.SecondaryBase, c.PrimaryBase, c.PrimaryCeiling)
	}
	lo, hi := c.SecondaryBase, c.SecondaryBase+(c.PrimaryCeiling-c.PrimaryBase)
	if lo <= c.PrimaryCeiling && c.PrimaryBase <= hi {
		return fmt.Errorf("secondary range %d-%d overlaps primary range %d-%d", lo, hi, c.PrimaryBase, c.PrimaryCeiling)
	}
	return nil
}

// Assignment is one project's port pair.
type Assignment struct {
	Project   string `json:"project"`
	Primary   int    `json:"primary"`
	Secondary int    `json:"secondary"`
}

// Checker reports whether the OS considers port free.
type Checker func(port int) bool

type Option func(*Allocator)

// WithChecker replaces the OS availability probe.
func WithChecker(c Checker) Option {
	return func(a *Allocator) { a.free = c }
}

// WithObserver is called with the number of live assignments after every change.
func WithObserver(fn func(live int)) Option {
	return func(a *Allocator) { a.observe = fn }
}

// Allocator tracks live assignments. It is safe for concurrent use.
type Allocator struct {
	mu      sync.Mutex
	cfg     Config
	byProj  map[string]Assignment
	taken   map[int]string // primary and secondary ports -> project
	free    Checker
	observe func(int)
}

func New(cfg Config, opts ...Option) *Allocator {
	a := &Allocator{
		cfg:    cfg,
		byProj: make(map[string]Assignment),
		taken:  make(map[int]string),
		free:   ListenCheck,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ListenCheck binds the port on all interfaces and closes it immediately.
func ListenCheck(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// SecondaryFor derives the secondary port paired with primary.
func (a *Allocator) SecondaryFor(primary int) int {
	return a.cfg.SecondaryBase + (primary - a.cfg.PrimaryBase)
}

// IsAvailable reports whether port is free at the OS level and not held by
// a live assignment.
func (a *Allocator) IsAvailable(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.taken[port]; held {
		return false
	}
	return a.free(port)
}

// Allocate returns the project's primary port, reusing an existing
// assignment while its primary is still free.
func (a *Allocator) Allocate(project string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.byProj[project]; ok {
		if a.free(cur.Primary) {
			return cur.Primary, nil
		}
		a.releaseLocked(project)
	}

	next := a.cfg.PrimaryBase
	for {
		primary, ok := a.nextFreeLocked(next)
		if !ok {
			a.notifyLocked()
			return 0, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, a.cfg.PrimaryBase, a.cfg.PrimaryCeiling)
		}
		secondary := a.SecondaryFor(primary)
		if _, held := a.taken[secondary]; !held && a.free(secondary) {
			asg := Assignment{Project: project, Primary: primary, Secondary: secondary}
			a.byProj[project] = asg
			a.taken[primary] = project
			a.taken[secondary] = project
			a.notifyLocked()
			return primary, nil
		}
		next = primary + 1
	}
}

// nextFreeLocked finds the first primary >= from that is unassigned and free.
func (a *Allocator) nextFreeLocked(from int) (int, bool) {
	for p := from; p <= a.cfg.PrimaryCeiling; p++ {
		if _, held := a.taken[p]; held {
			continue
		}
		if a.free(p) {
			return p, true
		}
	}
	return 0, false
}

// Release drops the project's assignment. Unknown projects are ignored.
func (a *Allocator) Release(project string) {
	a.mu.Lock()
	a.releaseLocked(project)
	a.notifyLocked()
	a.mu.Unlock()
}

func (a *Allocator) releaseLocked(project string) {
	asg, ok := a.byProj[project]
	if !ok {
		return
	}
	delete(a.byProj, project)
	if a.taken[asg.Primary] == project {
		delete(a.taken, asg.Primary)
	}
	if a.taken[asg.Secondary] == project {
		delete(a.taken, asg.Secondary)
	}
}

func (a *Allocator) notifyLocked() {
	if a.observe != nil {
		a.observe(len(a.byProj))
	}
}

func (a *Allocator) Assignment(project string) (Assignment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	asg, ok := a.byProj[project]
	return asg, ok
}

// Assignments returns a snapshot ordered by primary port.
func (a *Allocator) Assignments() []Assignment {
	a.mu.Lock()
	out := make([]Assignment, 0, len(a.byProj))
	for _, asg := range a.byProj {
		out = append(out, asg)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Primary < out[j].Primary })
	return out
}
