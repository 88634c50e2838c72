package manager

import (
	"fmt"
	"time"
)

// Config holds the supervisor policy. Zero values take the defaults.
type Config struct {
	// Command and Args launch the dev server. "{port}" and
	// "{secondary_port}" are substituted in Args and Env.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`

	ReadyPatterns    []string `mapstructure:"ready_patterns"`
	ErrorPatterns    []string `mapstructure:"error_patterns"`
	ConflictPatterns []string `mapstructure:"conflict_patterns"`

	MaxAttempts       int           `mapstructure:"max_attempts"`
	ReadyWait         time.Duration `mapstructure:"ready_wait"`
	ReadinessAttempts int           `mapstructure:"readiness_attempts"`
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	ConflictBackoff   time.Duration `mapstructure:"conflict_backoff"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
	CrashWindow       time.Duration `mapstructure:"crash_window"`
	CrashLimit        int           `mapstructure:"crash_limit"`
	OutputLines       int           `mapstructure:"output_lines"`
}

var (
	DefaultCommand = "npx"
	DefaultArgs    = []string{"netlify", "dev", "--port", "{port}", "--target-port", "{secondary_port}"}

	DefaultReadyPatterns = []string{
		`Local:`,
		`ready in`,
		`(?i)compiled successfully`,
		`Server now ready on`,
		`localhost:{port}`,
	}
	DefaultConflictPatterns = []string{
		`EADDRINUSE`,
		`(?i)address already in use`,
		`(?i)port \d+ is (already )?in use`,
	}
	DefaultErrorPatterns = []string{
		`EADDRINUSE`,
		`(?i)address already in use`,
		`ECONNREFUSED`,
		`EACCES`,
		`(?i)permission denied`,
		`(?i)command failed`,
	}
)

func DefaultConfig() Config {
	return Config{
		Command:           DefaultCommand,
		Args:              append([]string(nil), DefaultArgs...),
		ReadyPatterns:     append([]string(nil), DefaultReadyPatterns...),
		ErrorPatterns:     append([]string(nil), DefaultErrorPatterns...),
		ConflictPatterns:  append([]string(nil), DefaultConflictPatterns...),
		MaxAttempts:       3,
		ReadyWait:         3 * time.Second,
		ReadinessAttempts: 30,
		ReadinessInterval: time.Second,
		ProbeTimeout:      2 * time.Second,
		ConflictBackoff:   time.Second,
		StopGrace:         5 * time.Second,
		RestartDelay:      time.Second,
		CrashWindow:       5 * time.Minute,
		CrashLimit:        3,
		OutputLines:       500,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Command == "" {
		c.Command = d.Command
		if len(c.Args) == 0 {
			c.Args = d.Args
		}
	}
	if c.ReadyPatterns == nil {
		c.ReadyPatterns = d.ReadyPatterns
	}
	if c.ErrorPatterns == nil {
		c.ErrorPatterns = d.ErrorPatterns
	}
	if c.ConflictPatterns == nil {
		c.ConflictPatterns = d.ConflictPatterns
	}
	setInt(&c.MaxAttempts, d.MaxAttempts)
	setDur(&c.ReadyWait, d.ReadyWait)
	setInt(&c.ReadinessAttempts, d.ReadinessAttempts)
	setDur(&c.ReadinessInterval, d.ReadinessInterval)
	setDur(&c.ProbeTimeout, d.ProbeTimeout)
	setDur(&c.ConflictBackoff, d.ConflictBackoff)
	setDur(&c.StopGrace, d.StopGrace)
	setDur(&c.RestartDelay, d.RestartDelay)
	setDur(&c.CrashWindow, d.CrashWindow)
	setInt(&c.CrashLimit, d.CrashLimit)
	setInt(&c.OutputLines, d.OutputLines)
	return c
}

func (c Config) Validate() error {
	if c.MaxAttempts < 0 || c.ReadinessAttempts < 0 || c.CrashLimit < 0 || c.OutputLines < 0 {
		return fmt.Errorf("supervisor counts must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"ready_wait": c.ReadyWait, "readiness_interval": c.ReadinessInterval,
		"probe_timeout": c.ProbeTimeout, "conflict_backoff": c.ConflictBackoff,
		"stop_grace": c.StopGrace, "restart_delay": c.RestartDelay, "crash_window": c.CrashWindow,
	} {
		if d < 0 {
			return fmt.Errorf("supervisor %s must not be negative", name)
		}
	}
	_, err := compilePatterns(c.withDefaults())
	return err
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDur(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
