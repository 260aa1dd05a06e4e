package utils

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpegBackToBack(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0x0A, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0x0B, 0x0B, 0xFF, 0xD9}
	scanner := bufio.NewScanner(bytes.NewReader(append(append([]byte{}, a...), b...)))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Frames split incorrectly: %X", got)
	}
}

func TestNewFFmpegCaptureCmd(t *testing.T) {
	cmd := NewFFmpegCaptureCmd(context.Background(), CaptureArgs{
		Format: "v4l2",
		Input:  "/dev/video0",
		Width:  640,
		Height: 480,
		FPS:    15,
	})
	args := strings.Join(cmd.Args, " ")
	for _, want := range []string{"-f v4l2", "-framerate 15", "-video_size 640x480", "-i /dev/video0", "image2pipe", "mjpeg"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected ffmpeg args to contain %q, got %q", want, args)
		}
	}
}

func TestDefaultSessionID(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 5, 0, 0, time.UTC)
	if got := DefaultSessionID(now); got != "session_20260304_0905" {
		t.Errorf("DefaultSessionID() = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("Expected JSON output, got %q", buf.String())
	}

	if _, err := NewLogger(&buf, "loud", "text"); err == nil {
		t.Error("Expected error for invalid level")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("Expected error for invalid format")
	}
}
