package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker or ffmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is ShowError followed by exit. Only used before the engine owns any hardware.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Camera Pipe (ffmpeg driver) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureArgs describes how ffmpeg should open a live camera.
type CaptureArgs struct {
	Format string // input format, e.g. v4l2 or avfoundation
	Input  string // device path, e.g. /dev/video0
	Width  int
	Height int
	FPS    float64
}

// NewFFmpegCaptureCmd creates a live decoder pipe for a camera device.
// It configures ffmpeg to output raw MJPEG frames to Stdout for ingestion.
func NewFFmpegCaptureCmd(ctx context.Context, a CaptureArgs) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if a.Format != "" {
		args = append(args, "-f", a.Format)
	}
	if a.FPS > 0 {
		args = append(args, "-framerate", strconv.FormatFloat(a.FPS, 'f', -1, 64))
	}
	if a.Width > 0 && a.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", a.Width, a.Height))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-i", a.Input, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// --- 3. Naming ---

// DefaultSessionID builds a readable session id when the caller does not supply one.
func DefaultSessionID(now time.Time) string {
	return "session_" + now.Format("20060102_1504")
}
