// Package rkconfig loads a deployment's pipeline tuning — the Timeline's
// per-action delays, the default buffer count, warm-up behaviour, and
// the scheduler's IPA time offset — from a YAML file, the same way
// orion-prototipe's own config package loads camera/stream/MQTT tuning.
package rkconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rkisp1/campipe/internal/timeline"
)

// Config is the complete set of pipeline tuning knobs this module
// exposes as YAML, rather than as Go constants, because they are
// expected to vary per deployment (sensor, board revision, IPA build).
type Config struct {
	// PipelineDelays overrides the Timeline's per-action delay table.
	// Any action kind not named here keeps timeline.DefaultDelays'
	// value for that kind.
	PipelineDelays PipelineDelays `yaml:"pipeline_delays"`

	// DefaultBufferCount is the buffer count AllocateBuffers uses when
	// the caller (pipeline.Handler.Configure) doesn't override it.
	DefaultBufferCount int `yaml:"default_buffer_count"`

	// NominalFrameIntervalMS is the Scheduler's fallback inter-frame
	// spacing, used only to extrapolate a due time for an anchor frame
	// whose start-of-exposure hasn't been observed yet.
	NominalFrameIntervalMS int `yaml:"nominal_frame_interval_ms"`

	// IPATimeOffsetMS is the fixed signed offset added to a capture
	// device's kernel timestamp to estimate actual start-of-exposure.
	IPATimeOffsetMS int `yaml:"ipa_time_offset_ms"`

	// WarmupFrames is the number of frames at stream start that are
	// still completed normally but are tagged as warm-up in telemetry,
	// so a downstream observer can discount them from steady-state
	// latency statistics (the sensor/ISP haven't settled yet).
	WarmupFrames int `yaml:"warmup_frames"`
}

// PipelineDelays is the YAML shape for timeline.DefaultDelays' override
// table. Frame offsets are not configurable: they are topology
// (how many frames of pipeline depth separate an action from its
// anchor), not tuning, so only the millisecond latencies are exposed.
type PipelineDelays struct {
	SetSensorMS    *int `yaml:"set_sensor_ms"`
	QueueBuffersMS *int `yaml:"queue_buffers_ms"`
}

// Load reads and parses a YAML configuration file, applying defaults to
// any field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rkconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("rkconfig: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("rkconfig: invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config populated entirely from built-in defaults,
// for callers (simplepipeline, tests) that have no YAML file to load.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultBufferCount <= 0 {
		cfg.DefaultBufferCount = 4
	}
	if cfg.NominalFrameIntervalMS <= 0 {
		cfg.NominalFrameIntervalMS = 33
	}
}

// Validate checks a Config for internally-inconsistent values. Zero
// values for delays/offset/warmup are all legitimate (no override, no
// correction, no warm-up window), so only DefaultBufferCount and
// NominalFrameIntervalMS — which AllocateBuffers and the Timeline divide
// and multiply by — are rejected when non-positive.
func Validate(cfg *Config) error {
	if cfg.DefaultBufferCount <= 0 {
		return fmt.Errorf("default_buffer_count must be > 0")
	}
	if cfg.NominalFrameIntervalMS <= 0 {
		return fmt.Errorf("nominal_frame_interval_ms must be > 0")
	}
	if cfg.WarmupFrames < 0 {
		return fmt.Errorf("warmup_frames must be >= 0")
	}
	if cfg.PipelineDelays.SetSensorMS != nil && *cfg.PipelineDelays.SetSensorMS < 0 {
		return fmt.Errorf("pipeline_delays.set_sensor_ms must be >= 0")
	}
	if cfg.PipelineDelays.QueueBuffersMS != nil && *cfg.PipelineDelays.QueueBuffersMS < 0 {
		return fmt.Errorf("pipeline_delays.queue_buffers_ms must be >= 0")
	}
	return nil
}

// TimelineDelays builds the Timeline's delay table by starting from
// timeline.DefaultDelays and overriding the latency of any action kind
// this Config sets explicitly, leaving every frame offset untouched.
func (cfg *Config) TimelineDelays() map[timeline.ActionKind]timeline.Delay {
	delays := timeline.DefaultDelays()

	if ms := cfg.PipelineDelays.SetSensorMS; ms != nil {
		row := delays[timeline.SetSensor]
		row.Delay = time.Duration(*ms) * time.Millisecond
		delays[timeline.SetSensor] = row
	}
	if ms := cfg.PipelineDelays.QueueBuffersMS; ms != nil {
		row := delays[timeline.QueueBuffers]
		row.Delay = time.Duration(*ms) * time.Millisecond
		delays[timeline.QueueBuffers] = row
	}
	return delays
}

// NominalFrameInterval returns NominalFrameIntervalMS as a time.Duration.
func (cfg *Config) NominalFrameInterval() time.Duration {
	return time.Duration(cfg.NominalFrameIntervalMS) * time.Millisecond
}

// IPATimeOffset returns IPATimeOffsetMS as a time.Duration.
func (cfg *Config) IPATimeOffset() time.Duration {
	return time.Duration(cfg.IPATimeOffsetMS) * time.Millisecond
}
