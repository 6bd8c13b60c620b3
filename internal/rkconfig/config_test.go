package rkconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rkisp1/campipe/internal/timeline"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(Default()): %v", err)
	}
	if cfg.DefaultBufferCount != 4 {
		t.Errorf("DefaultBufferCount = %d, want 4", cfg.DefaultBufferCount)
	}
}

func TestLoadAppliesOverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	yamlBody := "pipeline_delays:\n  queue_buffers_ms: 20\ndefault_buffer_count: 6\nwarmup_frames: 3\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultBufferCount != 6 {
		t.Errorf("DefaultBufferCount = %d, want 6", cfg.DefaultBufferCount)
	}
	if cfg.NominalFrameIntervalMS != 33 {
		t.Errorf("NominalFrameIntervalMS = %d, want default 33", cfg.NominalFrameIntervalMS)
	}
	if cfg.WarmupFrames != 3 {
		t.Errorf("WarmupFrames = %d, want 3", cfg.WarmupFrames)
	}

	delays := cfg.TimelineDelays()
	if delays[timeline.QueueBuffers].Delay != 20*time.Millisecond {
		t.Errorf("QueueBuffers delay = %v, want 20ms", delays[timeline.QueueBuffers].Delay)
	}
	if delays[timeline.SetSensor].Delay != 5*time.Millisecond {
		t.Errorf("SetSensor delay = %v, want unmodified default 5ms", delays[timeline.SetSensor].Delay)
	}
	if delays[timeline.QueueBuffers].FrameOffset != -1 {
		t.Errorf("QueueBuffers frame offset = %d, want unmodified -1", delays[timeline.QueueBuffers].FrameOffset)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist/campipe-rkconfig-test.yaml"); err == nil {
		t.Fatal("Load on missing file: want error, got nil")
	}
}

func TestValidateRejectsNonPositiveBufferCount(t *testing.T) {
	cfg := Default()
	cfg.DefaultBufferCount = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate with DefaultBufferCount=0: want error, got nil")
	}
}

func TestValidateRejectsNegativeWarmup(t *testing.T) {
	cfg := Default()
	cfg.WarmupFrames = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate with WarmupFrames=-1: want error, got nil")
	}
}

func TestNominalFrameIntervalAndIPATimeOffset(t *testing.T) {
	cfg := Default()
	cfg.NominalFrameIntervalMS = 50
	cfg.IPATimeOffsetMS = -2
	if got := cfg.NominalFrameInterval(); got != 50*time.Millisecond {
		t.Errorf("NominalFrameInterval() = %v, want 50ms", got)
	}
	if got := cfg.IPATimeOffset(); got != -2*time.Millisecond {
		t.Errorf("IPATimeOffset() = %v, want -2ms", got)
	}
}
