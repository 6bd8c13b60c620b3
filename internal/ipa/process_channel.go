package ipa

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// wireMessage is the single envelope shape used for every direction of
// traffic on the subprocess transport: outbound events, inbound actions,
// and the one-shot configure/map/unmap calls. Op disambiguates which
// fields are meaningful; absent fields are simply omitted by the sender
// and ignored by the receiver.
type wireMessage struct {
	Op            string              `msgpack:"op"`
	Frame         uint32              `msgpack:"frame,omitempty"`
	ParamBufferID uint32              `msgpack:"param_buffer_id,omitempty"`
	StatBufferID  uint32              `msgpack:"stat_buffer_id,omitempty"`
	Controls      map[int]interface{} `msgpack:"controls,omitempty"`
	Stream        *StreamConfig       `msgpack:"stream,omitempty"`
	SensorMin     map[int]int64       `msgpack:"sensor_min,omitempty"`
	SensorMax     map[int]int64       `msgpack:"sensor_max,omitempty"`
	SensorDefault map[int]int64       `msgpack:"sensor_default,omitempty"`
	Buffers       []wireBufferMapping `msgpack:"buffers,omitempty"`
	BufferIDs     []uint32            `msgpack:"buffer_ids,omitempty"`
}

type wireBufferMapping struct {
	ID     uint32      `msgpack:"id"`
	Planes []wirePlane `msgpack:"planes"`
}

type wirePlane struct {
	FD     int64 `msgpack:"fd"`
	Length int   `msgpack:"length"`
}

// ProcessChannel runs the IPA as a subprocess and exchanges
// length-prefixed msgpack frames over its stdin/stdout: a 4-byte
// big-endian length header followed by exactly that many bytes of
// msgpack payload, in both directions.
type ProcessChannel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	actionFn QueueFrameActionFunc
	fnMu     sync.Mutex
}

// NewProcessChannel spawns path with args and wires up its stdio. The
// subprocess is not yet reading/writing protocol frames until Configure
// is called by convention, but the reader goroutine starts immediately
// so no early inbound action is lost.
func NewProcessChannel(ctx context.Context, path string, args ...string) (*ProcessChannel, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ipa: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ipa: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ipa: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ipa: start process: %w", err)
	}

	pc := &ProcessChannel{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		ctx:    runCtx,
		cancel: cancel,
	}

	pc.wg.Add(2)
	go pc.readLoop()
	go pc.logStderr()

	return pc, nil
}

func (pc *ProcessChannel) SetQueueFrameActionFunc(fn QueueFrameActionFunc) {
	pc.fnMu.Lock()
	pc.actionFn = fn
	pc.fnMu.Unlock()
}

func (pc *ProcessChannel) Configure(_ context.Context, stream StreamConfig, sensor SensorControlInfo) error {
	msg := wireMessage{
		Op:            "CONFIGURE",
		Stream:        &stream,
		SensorMin:     make(map[int]int64, len(sensor.Controls)),
		SensorMax:     make(map[int]int64, len(sensor.Controls)),
		SensorDefault: make(map[int]int64, len(sensor.Controls)),
	}
	for id, r := range sensor.Controls {
		msg.SensorMin[id] = r.Min
		msg.SensorMax[id] = r.Max
		msg.SensorDefault[id] = r.Default
	}
	return pc.send(msg)
}

func (pc *ProcessChannel) MapBuffers(_ context.Context, mappings []BufferMapping) error {
	msg := wireMessage{Op: "MAP_BUFFERS"}
	for _, m := range mappings {
		wm := wireBufferMapping{ID: uint32(m.ID)}
		for _, p := range m.Planes {
			wm.Planes = append(wm.Planes, wirePlane{FD: int64(p.FD), Length: p.Length})
		}
		msg.Buffers = append(msg.Buffers, wm)
	}
	return pc.send(msg)
}

func (pc *ProcessChannel) UnmapBuffers(_ context.Context, ids []BufferID) error {
	msg := wireMessage{Op: "UNMAP_BUFFERS"}
	for _, id := range ids {
		msg.BufferIDs = append(msg.BufferIDs, uint32(id))
	}
	return pc.send(msg)
}

func (pc *ProcessChannel) ProcessEvent(_ context.Context, ev Event) error {
	msg := wireMessage{
		Op:            string(ev.Op),
		Frame:         ev.Frame,
		ParamBufferID: uint32(ev.ParamBufferID),
		StatBufferID:  uint32(ev.StatBufferID),
		Controls:      ev.Controls,
	}
	return pc.send(msg)
}

func (pc *ProcessChannel) send(msg wireMessage) error {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipa: marshal %s: %w", msg.Op, err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.stdin.Write(header); err != nil {
		return fmt.Errorf("ipa: write header for %s: %w", msg.Op, err)
	}
	if _, err := pc.stdin.Write(payload); err != nil {
		return fmt.Errorf("ipa: write payload for %s: %w", msg.Op, err)
	}
	return nil
}

// readLoop decodes inbound length-prefixed msgpack frames and routes
// each to the registered QueueFrameActionFunc. Unknown ops are logged
// and discarded, per spec.
func (pc *ProcessChannel) readLoop() {
	defer pc.wg.Done()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(pc.stdout, header); err != nil {
			if err != io.EOF {
				slog.Error("ipa: read frame header", "error", err)
			}
			return
		}
		length := binary.BigEndian.Uint32(header)

		body := make([]byte, length)
		if _, err := io.ReadFull(pc.stdout, body); err != nil {
			slog.Error("ipa: read frame body", "error", err, "length", length)
			return
		}

		var msg wireMessage
		if err := msgpack.Unmarshal(body, &msg); err != nil {
			slog.Error("ipa: unmarshal frame", "error", err)
			continue
		}

		action := Action{Op: InboundOp(msg.Op), Frame: msg.Frame, Controls: msg.Controls}
		switch action.Op {
		case OpV4L2Set, OpParamFilled, OpMetadata:
			pc.fnMu.Lock()
			fn := pc.actionFn
			pc.fnMu.Unlock()
			if fn != nil {
				fn(action)
			}
		default:
			slog.Warn("ipa: unknown inbound op", "op", msg.Op)
		}
	}
}

func (pc *ProcessChannel) logStderr() {
	defer pc.wg.Done()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := pc.stderr.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(buf[:idx]), "\r")
				if line != "" {
					slog.Debug("ipa: subprocess log", "line", line)
				}
				buf = buf[idx+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

// Close cancels the subprocess's context and waits for its process and
// reader/logger goroutines to exit. Idempotent-adjacent: calling it
// twice is safe since cancel and Wait both tolerate repeat calls.
func (pc *ProcessChannel) Close() error {
	pc.cancel()
	if pc.stdin != nil {
		pc.stdin.Close()
	}
	pc.wg.Wait()
	if pc.cmd != nil && pc.cmd.Process != nil {
		_ = pc.cmd.Wait()
	}
	return nil
}
