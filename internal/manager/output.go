package manager

import "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"

// ring keeps the most recent output lines of a project.
type ring struct {
	buf  []process.Line
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]process.Line, n)} }

func (r *ring) add(l process.Line) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = l
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to limit lines, oldest first. limit <= 0 means all.
func (r *ring) last(limit int) []process.Line {
	var all []process.Line
	if r.full {
		all = append(all, r.buf[r.next:]...)
	}
	all = append(all, r.buf[:r.next]...)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}
