// Command rkisp1d wires one rkisp1 pipeline.Handler to a real media
// device and an out-of-process IPA, and keeps it running until a
// shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rkisp1/campipe/internal/ipa"
	"github.com/rkisp1/campipe/internal/rkconfig"
	"github.com/rkisp1/campipe/internal/sensorctl"
	"github.com/rkisp1/campipe/internal/telemetry"
	"github.com/rkisp1/campipe/pipeline"
	"github.com/rkisp1/campipe/request"
)

const (
	defaultMediaPath   = "/dev/media0"
	defaultConfigPath  = "/etc/rkisp1d/pipeline.yaml"
	defaultIPAPath     = "/usr/libexec/rkisp1-ipa"
	defaultSensorEntity = "ov13850 1-0010"
)

func main() {
	mediaPath := flag.String("media", defaultMediaPath, "Media-controller device node")
	sensorEntity := flag.String("sensor-entity", defaultSensorEntity, "Sensor media-entity name")
	configPath := flag.String("config", defaultConfigPath, "Path to pipeline tuning YAML")
	ipaPath := flag.String("ipa", defaultIPAPath, "Path to the IPA subprocess executable")
	width := flag.Int("width", 0, "Output width (0 = sensor-derived default)")
	height := flag.Int("height", 0, "Output height (0 = sensor-derived default)")
	pixelFormat := flag.String("format", "NV12", "Output pixel format")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting rkisp1d", "media", *mediaPath, "sensor_entity", *sensorEntity, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	handler, cleanup, err := bringUp(ctx, *mediaPath, *sensorEntity, *configPath, *ipaPath, *width, *height, *pixelFormat)
	if err != nil {
		slog.Error("failed to bring up pipeline", "error", err)
		os.Exit(1)
	}

	slog.Info("rkisp1d pipeline running")
	<-sigCh
	slog.Info("received shutdown signal")

	handler.Stop()
	cleanup()
	slog.Info("rkisp1d stopped")
}

// bringUp matches the media device, builds the Handler, negotiates and
// applies the stream format, allocates buffers, and starts streaming.
// The returned cleanup releases buffers and closes every device; it is
// safe to call after Stop.
func bringUp(ctx context.Context, mediaPath, sensorEntity, configPath, ipaPath string, width, height int, pixelFormat string) (*pipeline.Handler, func(), error) {
	cfg, err := rkconfig.Load(configPath)
	if err != nil {
		slog.Warn("could not load pipeline config, using defaults", "path", configPath, "error", err)
		cfg = rkconfig.Default()
	}

	topo, err := pipeline.Match(mediaPath, sensorEntity)
	if err != nil {
		return nil, nil, err
	}

	channel, err := ipa.NewProcessChannel(ctx, ipaPath)
	if err != nil {
		topo.Close()
		return nil, nil, err
	}

	tel := telemetry.New()

	sensorInfo := pipeline.SensorInfo{
		Width:  4032,
		Height: 3024,
		ControlMap: sensorctl.ControlMap{
			int(request.ExposureTime):  0x009a0902,
			int(request.AnalogueGain):  0x009a0903,
			int(request.ColourGains):   0x009a0920,
		},
		ControlInfo: ipa.SensorControlInfo{
			Controls: map[int]ipa.ControlRange{
				int(request.ExposureTime): {Min: 1, Max: 65535, Default: 1000},
				int(request.AnalogueGain): {Min: 0, Max: 1000, Default: 100},
			},
		},
	}

	completeBuffer := func(req *request.Request, buf *request.Buffer) {
		slog.Debug("buffer complete", "request", req.ID, "buffer_index", buf.Index)
	}
	completeRequest := func(req *request.Request) {
		slog.Debug("request complete", "request", req.ID)
	}

	handler, err := pipeline.New(topo, sensorInfo, channel, cfg, tel, completeBuffer, completeRequest)
	if err != nil {
		channel.Close()
		topo.Close()
		return nil, nil, err
	}

	format := handler.GenerateConfiguration(width, height, pixelFormat)
	if format.Adjusted {
		slog.Info("requested stream format adjusted", "width", format.Width, "height", format.Height, "format", format.PixelFormat)
	}
	if err := handler.Configure(format); err != nil {
		handler.Close()
		return nil, nil, err
	}
	if err := handler.AllocateBuffers(ctx, 0); err != nil {
		handler.Close()
		return nil, nil, err
	}
	if err := handler.Start(ctx); err != nil {
		_ = handler.FreeBuffers(ctx)
		handler.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := handler.FreeBuffers(ctx); err != nil {
			slog.Error("free buffers", "error", err)
		}
		if err := handler.Close(); err != nil {
			slog.Error("close handler", "error", err)
		}
	}
	return handler, cleanup, nil
}
