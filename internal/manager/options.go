package manager

import (
	"log/slog"
	"time"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/env"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/logger"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/ports"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithSpawner(s process.Spawner) Option { return func(m *Manager) { m.spawner = s } }

// WithProber replaces both the readiness and the health prober.
func WithProber(p health.Prober) Option {
	return func(m *Manager) {
		m.readiness = p
		m.healthProber = p
	}
}

func WithPorts(a *ports.Allocator) Option { return func(m *Manager) { m.ports = a } }

func WithHealth(c health.Config) Option { return func(m *Manager) { m.healthCfg = c } }

// WithStore sets the pid sidecar.
func WithStore(s store.Store) Option { return func(m *Manager) { m.store = s } }

func WithBus(b *events.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithEnv sets the base environment for dev servers.
func WithEnv(e *env.Env) Option { return func(m *Manager) { m.env = e } }

// WithOutputLogs tees raw dev-server output into rotating per-project files.
func WithOutputLogs(c logger.Config) Option { return func(m *Manager) { m.outputLogs = c } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
