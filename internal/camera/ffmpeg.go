package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpegConfig configures the ffmpeg capture driver.
type FFmpegConfig struct {
	Format       string // ffmpeg input format, e.g. "v4l2"
	InputPattern string // device path; "%d" is replaced with the index, e.g. "/dev/video%d"
	Width        int
	Height       int
	FPS          float64
}

// FFmpegOpener opens cameras by spawning ffmpeg and reading an MJPEG pipe.
type FFmpegOpener struct {
	ctx    context.Context
	cfg    FFmpegConfig
	logger *slog.Logger
}

// NewFFmpegOpener returns an Opener that spawns one ffmpeg process per open device.
// Cancelling ctx kills any process it started.
func NewFFmpegOpener(ctx context.Context, cfg FFmpegConfig, logger *slog.Logger) *FFmpegOpener {
	if cfg.InputPattern == "" {
		cfg.InputPattern = "/dev/video%d"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegOpener{ctx: ctx, cfg: cfg, logger: logger}
}

// Open starts ffmpeg for the device and blocks until the first frame arrives,
// which also negotiates the resolution.
func (o *FFmpegOpener) Open(index int) (Device, error) {
	// 0. Check dependency
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	input := o.cfg.InputPattern
	if strings.Contains(input, "%d") {
		input = fmt.Sprintf(input, index)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	cmd := utils.NewFFmpegCaptureCmd(ctx, utils.CaptureArgs{
		Format: o.cfg.Format,
		Input:  input,
		Width:  o.cfg.Width,
		Height: o.cfg.Height,
		FPS:    o.cfg.FPS,
	})

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	dev := newPipeDevice(out, o.cfg.FPS)
	dev.cmd = cmd
	dev.cancel = cancel

	first, err := dev.next()
	if err != nil {
		dev.Close()
		if cmd.Stderr.Len() > 0 {
			return nil, fmt.Errorf("ffmpeg produced no frame for %s: %w (%s)", input, err, strings.TrimSpace(cmd.Stderr.String()))
		}
		return nil, fmt.Errorf("ffmpeg produced no frame for %s: %w", input, err)
	}
	dev.pending = first
	b := first.Bounds()
	dev.width, dev.height = b.Dx(), b.Dy()

	o.logger.Debug("ffmpeg capture running", "input", input, "pid", cmd.Process.Pid)
	return dev, nil
}

// pipeDevice decodes a concatenated MJPEG byte stream.
type pipeDevice struct {
	r       io.ReadCloser
	scanner *bufio.Scanner
	pending image.Image
	width   int
	height  int
	fps     float64

	cmd       *utils.SafeCommand
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newPipeDevice(r io.ReadCloser, fps float64) *pipeDevice {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &pipeDevice{r: r, scanner: scanner, fps: fps}
}

func (d *pipeDevice) next() (image.Image, error) {
	if !d.scanner.Scan() {
		err := d.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return nil, fmt.Errorf("%w: mjpeg stream ended: %v", ErrDeviceLost, err)
	}
	img, err := jpeg.Decode(bytes.NewReader(d.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("corrupt mjpeg frame: %w", err)
	}
	return img, nil
}

func (d *pipeDevice) Read() (image.Image, error) {
	if d.pending != nil {
		img := d.pending
		d.pending = nil
		return img, nil
	}
	return d.next()
}

func (d *pipeDevice) Resolution() (int, int) { return d.width, d.height }

func (d *pipeDevice) FPS() float64 { return d.fps }

// Interrupt kills ffmpeg so a blocked Read sees EOF.
func (d *pipeDevice) Interrupt() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *pipeDevice) Close() error {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.r.Close()
		if d.cmd != nil {
			// ffmpeg was killed on purpose; its exit status carries no information.
			_ = d.cmd.Wait()
		}
	})
	return nil
}
