package manager

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// matchers is the compiled pattern set for one run. Ready patterns may
// reference the run's port, so they are compiled per run.
type matchers struct {
	ready    []*regexp.Regexp
	errs     []*regexp.Regexp
	conflict []*regexp.Regexp
}

func compilePatterns(cfg Config) (matchers, error) {
	return compileFor(cfg, 0, 0)
}

func compileFor(cfg Config, port, secondary int) (matchers, error) {
	var m matchers
	var err error
	if m.ready, err = compileList("ready", cfg.ReadyPatterns, port, secondary); err != nil {
		return m, err
	}
	if m.errs, err = compileList("error", cfg.ErrorPatterns, port, secondary); err != nil {
		return m, err
	}
	if m.conflict, err = compileList("conflict", cfg.ConflictPatterns, port, secondary); err != nil {
		return m, err
	}
	return m, nil
}

func compileList(kind string, pats []string, port, secondary int) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(pats))
	for _, p := range pats {
		re, err := regexp.Compile(substitutePorts(p, port, secondary))
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (m matchers) isReady(s string) bool    { return anyMatch(m.ready, s) }
func (m matchers) isError(s string) bool    { return anyMatch(m.errs, s) }
func (m matchers) isConflict(s string) bool { return anyMatch(m.conflict, s) }

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func substitutePorts(s string, port, secondary int) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{secondary_port}", strconv.Itoa(secondary),
	).Replace(s)
}

func substituteAll(in []string, port, secondary int) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = substitutePorts(s, port, secondary)
	}
	return out
}
