package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for per-project output files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config groups the supervisor's own structured logging (Slog) and the
// rotating files that receive each dev server's raw output (File).
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes where project output is written.
// With Dir set, files are Dir/<project>.stdout.log and Dir/<project>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NewSlogger builds a logger writing to stderr.
func (c Config) NewSlogger() *slog.Logger {
	return c.NewSloggerTo(os.Stderr)
}

func (c Config) NewSloggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     c.Slog.Level.slogLevel(),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ProcessWriters returns rotating writers for a project's stdout and stderr.
// Both are nil when no Dir is configured.
func (c Config) ProcessWriters(project string) (io.WriteCloser, io.WriteCloser, error) {
	if c.File.Dir == "" {
		return nil, nil, nil
	}
	if strings.ContainsAny(project, `/\`) || strings.Contains(project, "..") {
		return nil, nil, fmt.Errorf("invalid project name for log file: %q", project)
	}
	if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
		return nil, nil, err
	}
	outW := c.File.rotating(filepath.Join(c.File.Dir, project+".stdout.log"))
	errW := c.File.rotating(filepath.Join(c.File.Dir, project+".stderr.log"))
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func (l Level) slogLevel() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
