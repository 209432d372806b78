// Package tcconfig loads and validates the terminal core's runtime
// configuration (spec table in spec.md §6.2). It follows the teacher's
// project.go: read a YAML file, fall back to field-by-field defaults, then
// enforce bounds.
package tcconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the core recognizes. YAML tags mirror the
// language-neutral option names in spec.md's table verbatim.
type Config struct {
	Enabled              bool   `yaml:"enabled"`
	MaxSessionsPerClient int    `yaml:"max_sessions_per_client"`
	MaxBufferBytes       int    `yaml:"max_buffer_bytes"`
	MaxInputBytes        int    `yaml:"max_input_bytes"`
	MaxOutputChunkBytes  int    `yaml:"max_output_chunk_bytes"`
	IdleTimeoutMs        int64  `yaml:"idle_timeout_ms"`
	HardKillTimeoutMs    int64  `yaml:"hard_kill_timeout_ms"`
	ExitedSessionTTLMs   int64  `yaml:"exited_session_ttl_ms"`
	DefaultCols          int    `yaml:"default_cols"`
	DefaultRows          int    `yaml:"default_rows"`
	MaxIncomingMsgBytes  int    `yaml:"max_incoming_message_bytes"`
	QueueHighWaterBytes  int    `yaml:"queue_high_watermark_bytes"`
	QueueLowWaterBytes   int    `yaml:"queue_low_watermark_bytes"`
	MaxQueuedOutboundB   int    `yaml:"max_queued_outbound_bytes"`
	AllowedRoot          string `yaml:"allowed_root"`
}

// Default returns the configuration with every spec.md default applied.
func Default() Config {
	return Config{
		Enabled:              true,
		MaxSessionsPerClient: 6,
		MaxBufferBytes:       2 * 1024 * 1024,
		MaxInputBytes:        256 * 1024,
		MaxOutputChunkBytes:  128 * 1024,
		IdleTimeoutMs:        30 * time.Minute.Milliseconds(),
		HardKillTimeoutMs:    10 * time.Second.Milliseconds(),
		ExitedSessionTTLMs:   5 * time.Minute.Milliseconds(),
		DefaultCols:          120,
		DefaultRows:          34,
		MaxIncomingMsgBytes:  128 * 1024,
		QueueHighWaterBytes:  256 * 1024,
		QueueLowWaterBytes:   96 * 1024,
		MaxQueuedOutboundB:   2 * 1024 * 1024,
	}
}

// Load reads a YAML file at path and overlays it onto the defaults. A
// missing file is not an error — callers get pure defaults, the same way
// loadProject falls back when project.yaml fields are blank.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	// Decode into a struct of pointers so an absent YAML key doesn't
	// clobber the default with a zero value.
	var overlay struct {
		Enabled              *bool   `yaml:"enabled"`
		MaxSessionsPerClient *int    `yaml:"max_sessions_per_client"`
		MaxBufferBytes       *int    `yaml:"max_buffer_bytes"`
		MaxInputBytes        *int    `yaml:"max_input_bytes"`
		MaxOutputChunkBytes  *int    `yaml:"max_output_chunk_bytes"`
		IdleTimeoutMs        *int64  `yaml:"idle_timeout_ms"`
		HardKillTimeoutMs    *int64  `yaml:"hard_kill_timeout_ms"`
		ExitedSessionTTLMs   *int64  `yaml:"exited_session_ttl_ms"`
		DefaultCols          *int    `yaml:"default_cols"`
		DefaultRows          *int    `yaml:"default_rows"`
		MaxIncomingMsgBytes  *int    `yaml:"max_incoming_message_bytes"`
		QueueHighWaterBytes  *int    `yaml:"queue_high_watermark_bytes"`
		QueueLowWaterBytes   *int    `yaml:"queue_low_watermark_bytes"`
		MaxQueuedOutboundB   *int    `yaml:"max_queued_outbound_bytes"`
		AllowedRoot          *string `yaml:"allowed_root"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if overlay.Enabled != nil {
		cfg.Enabled = *overlay.Enabled
	}
	if overlay.MaxSessionsPerClient != nil {
		cfg.MaxSessionsPerClient = *overlay.MaxSessionsPerClient
	}
	if overlay.MaxBufferBytes != nil {
		cfg.MaxBufferBytes = *overlay.MaxBufferBytes
	}
	if overlay.MaxInputBytes != nil {
		cfg.MaxInputBytes = *overlay.MaxInputBytes
	}
	if overlay.MaxOutputChunkBytes != nil {
		cfg.MaxOutputChunkBytes = *overlay.MaxOutputChunkBytes
	}
	if overlay.IdleTimeoutMs != nil {
		cfg.IdleTimeoutMs = *overlay.IdleTimeoutMs
	}
	if overlay.HardKillTimeoutMs != nil {
		cfg.HardKillTimeoutMs = *overlay.HardKillTimeoutMs
	}
	if overlay.ExitedSessionTTLMs != nil {
		cfg.ExitedSessionTTLMs = *overlay.ExitedSessionTTLMs
	}
	if overlay.DefaultCols != nil {
		cfg.DefaultCols = *overlay.DefaultCols
	}
	if overlay.DefaultRows != nil {
		cfg.DefaultRows = *overlay.DefaultRows
	}
	if overlay.MaxIncomingMsgBytes != nil {
		cfg.MaxIncomingMsgBytes = *overlay.MaxIncomingMsgBytes
	}
	if overlay.QueueHighWaterBytes != nil {
		cfg.QueueHighWaterBytes = *overlay.QueueHighWaterBytes
	}
	if overlay.QueueLowWaterBytes != nil {
		cfg.QueueLowWaterBytes = *overlay.QueueLowWaterBytes
	}
	if overlay.MaxQueuedOutboundB != nil {
		cfg.MaxQueuedOutboundB = *overlay.MaxQueuedOutboundB
	}
	if overlay.AllowedRoot != nil {
		cfg.AllowedRoot = *overlay.AllowedRoot
	}

	return cfg, cfg.Validate()
}

// boundErr validates a single field against [lo, hi], returning an error
// naming it. Out-of-range values are rejected, not clamped.
func boundErr(field string, v, lo, hi int64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s out of bounds [%d, %d]: %d", field, lo, hi, v)
	}
	return nil
}

// Validate checks every field against the bounds in spec.md §6.2.
func (c Config) Validate() error {
	checks := []error{
		boundErr("max_sessions_per_client", int64(c.MaxSessionsPerClient), 1, 100),
		boundErr("max_buffer_bytes", int64(c.MaxBufferBytes), 64*1024, 64*1024*1024),
		boundErr("max_input_bytes", int64(c.MaxInputBytes), 256, 4*1024*1024),
		boundErr("max_output_chunk_bytes", int64(c.MaxOutputChunkBytes), 1024, 4*1024*1024),
		boundErr("idle_timeout_ms", c.IdleTimeoutMs, 10_000, 24*3600*1000),
		boundErr("hard_kill_timeout_ms", c.HardKillTimeoutMs, 1_000, 60_000),
		boundErr("exited_session_ttl_ms", c.ExitedSessionTTLMs, 10_000, 24*3600*1000),
		boundErr("default_cols", int64(c.DefaultCols), 40, 500),
		boundErr("default_rows", int64(c.DefaultRows), 10, 300),
		boundErr("max_incoming_message_bytes", int64(c.MaxIncomingMsgBytes), 512, 2*1024*1024),
		boundErr("queue_high_watermark_bytes", int64(c.QueueHighWaterBytes), 16*1024, 16*1024*1024),
		boundErr("queue_low_watermark_bytes", int64(c.QueueLowWaterBytes), 8*1024, int64(c.QueueHighWaterBytes)),
		boundErr("max_queued_outbound_bytes", int64(c.MaxQueuedOutboundB), 64*1024, 64*1024*1024),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.AllowedRoot != "" && !isAbsPath(c.AllowedRoot) {
		return fmt.Errorf("allowed_root must be an absolute path: %q", c.AllowedRoot)
	}
	return nil
}

func isAbsPath(p string) bool {
	return len(p) > 0 && (p[0] == '/' || (len(p) > 2 && p[1] == ':'))
}
