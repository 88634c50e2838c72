package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Records do not survive a restart.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemory() *Memory { return &Memory{recs: make(map[string]Record)} }

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) SavePID(_ context.Context, projectID string, pid, port int) error {
	now := time.Now().UTC()
	m.mu.Lock()
	m.recs[projectID] = Record{ProjectID: projectID, PID: pid, Port: port, StartedAt: now, UpdatedAt: now}
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemovePID(_ context.Context, projectID string) error {
	m.mu.Lock()
	delete(m.recs, projectID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, projectID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[projectID]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", projectID, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) List(context.Context) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
