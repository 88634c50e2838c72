// Package beeswarm supervises one local dev server per project: port pairs,
// readiness, health polling and crash-loop protection.
package beeswarm

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/config"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/manager"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/metrics"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/ports"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
	iapi "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/server"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
	storefactory "github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Manager       = manager.Manager
	Config        = manager.Config
	Option        = manager.Option
	State         = manager.State
	ProjectInfo   = manager.ProjectInfo
	Event         = events.Event
	EventType     = events.Type
	Subscription  = events.Subscription
	HealthStatus  = health.Status
	HealthConfig  = health.Config
	ProberFunc    = health.ProberFunc
	PortsConfig   = ports.Config
	PortAllocator = ports.Allocator
	Line          = process.Line
	Store         = store.Store
	DaemonConfig  = cfg.Config
)

const (
	StateStopped  = manager.StateStopped
	StateStarting = manager.StateStarting
	StateRunning  = manager.StateRunning
	StateStopping = manager.StateStopping
	StateCrashed  = manager.StateCrashed
	StateError    = manager.StateError
)

const (
	EventStatusChanged  = events.StatusChanged
	EventOutput         = events.Output
	EventReady          = events.Ready
	EventError          = events.Error
	EventCrashed        = events.Crashed
	EventHealthChanged  = events.HealthChanged
	EventHealthCritical = events.HealthCritical
)

var (
	ErrNoPortAvailable   = manager.ErrNoPortAvailable
	ErrSpawnFailed       = manager.ErrSpawnFailed
	ErrPortConflict      = manager.ErrPortConflict
	ErrReadinessTimeout  = manager.ErrReadinessTimeout
	ErrExitedDuringStart = manager.ErrExitedDuringStart
	ErrStartAborted      = manager.ErrStartAborted
	ErrProjectActive     = manager.ErrProjectActive
	ErrNotRunning        = manager.ErrNotRunning
	ErrUnknownProject    = manager.ErrUnknownProject
)

var (
	WithLogger     = manager.WithLogger
	WithProber     = manager.WithProber
	WithPorts      = manager.WithPorts
	WithHealth     = manager.WithHealth
	WithStore      = manager.WithStore
	WithOutputLogs = manager.WithOutputLogs
)

func DefaultConfig() Config { return manager.DefaultConfig() }

// New builds a supervisor. See manager.New for the defaults it applies.
func New(c Config, opts ...Option) (*Manager, error) { return manager.New(c, opts...) }

// IsImmediate reports whether a start failed before any dev server ran.
func IsImmediate(err error) bool { return manager.IsImmediate(err) }

// NewPortAllocator builds an allocator that checks candidate ports by binding them.
func NewPortAllocator(c PortsConfig) *PortAllocator {
	return ports.New(c, ports.WithObserver(metrics.SetAllocatedPorts))
}

// OpenStore opens a pid sidecar by DSN: "" or memory://, sqlite path, postgres URL.
func OpenStore(dsn string) (Store, error) { return storefactory.NewFromDSN(dsn) }

func LoadConfig(path string) (*DaemonConfig, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the API for m.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	return iapi.NewServer(addr, iapi.NewRouter(m, basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
