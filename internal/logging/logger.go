// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

// Package logging provides the process-wide zerolog logger for Auditpipe.
//
// Application logs are operational diagnostics only. Compliance records
// never flow through this package; they travel through the capture hook,
// the ingestion queue and the batch writer.
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("backend", "redis").Msg("Queue backend selected")
//	logging.Ctx(ctx).Warn().Err(err).Msg("Capture enqueue failed")
//
// Hot paths that can fail once per audited request log through
// CtxSampled, which lets a burst through per period and drops the rest.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is stamped on every line as the service field.
const ServiceName = "auditpipe"

// Config holds logging configuration.
type Config struct {
	// Level is trace, debug, info, warn, error, fatal, panic or disabled.
	Level string

	// Format is json or console.
	Format string

	Caller bool

	// SampleBurst lines per SamplePeriod pass through CtxSampled.
	// Zero means 10 per second.
	SampleBurst  uint32
	SamplePeriod time.Duration

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:        "info",
		Format:       "json",
		SampleBurst:  10,
		SamplePeriod: time.Second,
		Output:       os.Stderr,
	}
}

type state struct {
	base    zerolog.Logger
	sampler zerolog.Sampler
}

var (
	mu      sync.RWMutex
	current state
)

//nolint:gochecknoinits // logging must work before Init is called
func init() {
	cfg := DefaultConfig()
	if os.Getenv("AUDITPIPE_QUIET_LOGS") == "1" {
		cfg.Level = "fatal"
	}
	Init(cfg)
}

// Init reconfigures the global logger. Safe to call more than once.
func Init(cfg Config) {
	defaults := DefaultConfig()
	if cfg.Format == "" {
		cfg.Format = defaults.Format
	}
	if cfg.Output == nil {
		cfg.Output = defaults.Output
	}
	if cfg.SampleBurst == 0 {
		cfg.SampleBurst = defaults.SampleBurst
	}
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = defaults.SamplePeriod
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.MessageFieldName = "message"

	out := cfg.Output
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05.000"}
	}

	zctx := zerolog.New(out).With().Timestamp().Str("service", ServiceName)
	if cfg.Caller {
		zctx = zctx.Caller()
	}

	mu.Lock()
	defer mu.Unlock()
	current = state{
		base:    zctx.Logger(),
		sampler: &zerolog.BurstSampler{Burst: cfg.SampleBurst, Period: cfg.SamplePeriod},
	}
}

// parseLevel falls back to info for empty or unknown names.
func parseLevel(level string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Logger returns a copy of the global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current.base
}

// SetLogger replaces the global logger. Intended for tests.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current.base = l
}

// WithComponent returns a child logger tagged with a component field.
//
//	wlog := logging.WithComponent("writer")
func WithComponent(component string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", component).Logger()
}

// CtxSampled is Ctx behind the shared burst sampler.
func CtxSampled(ctx context.Context) *zerolog.Logger {
	mu.RLock()
	sampler := current.sampler
	mu.RUnlock()

	l := Ctx(ctx).Sample(sampler)
	return &l
}

// Debug starts a debug message on the global logger.
func Debug() *zerolog.Event {
	l := Logger()
	return l.Debug()
}

func Info() *zerolog.Event {
	l := Logger()
	return l.Info()
}

func Warn() *zerolog.Event {
	l := Logger()
	return l.Warn()
}

func Error() *zerolog.Event {
	l := Logger()
	return l.Error()
}

// Fatal logs and exits the process.
func Fatal() *zerolog.Event {
	l := Logger()
	return l.Fatal()
}

// Err logs at error level with err attached, or at info when err is nil.
func Err(err error) *zerolog.Event {
	l := Logger()
	return l.Err(err)
}

// NewTestLogger creates a logger that writes JSON lines to w.
//
//	var buf bytes.Buffer
//	logging.SetLogger(logging.NewTestLogger(&buf))
func NewTestLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
