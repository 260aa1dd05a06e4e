// Package worker runs embedding backbones in Python child processes.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    byte = 0
	statusError byte = 1

	maxResponse = 16 * 1024 * 1024
)

// ErrWorkerBroken marks a request that failed mid-exchange. The worker's pipe is
// out of step afterwards and it must not serve another request.
var ErrWorkerBroken = errors.New("worker pipe broken")

// Options selects the interpreter, script and model a worker runs.
type Options struct {
	Python   string // defaults to python3
	Script   string
	Backbone string
	ModelDir string
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewPythonWorker(ctx context.Context, id int, opts Options) (*PythonWorker, error) {
	python := opts.Python
	if python == "" {
		python = "python3"
	}
	args := []string{"-u", opts.Script, "--backbone", opts.Backbone, "--worker-id", strconv.Itoa(id)}
	if opts.ModelDir != "" {
		args = append(args, "--model-dir", opts.ModelDir)
	}
	py := utils.NewSafeCommand(ctx, python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker %d sent an oversized response (%d bytes)", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Embed sends a face crop as JPEG and decodes the returned vector.
// Response: [Status:0] [Dim:uint32] [Dim x float32], or [Status:1] [MsgLen] [Msg].
func (w *PythonWorker) Embed(face *image.RGBA) (types.Embedding, error) {
	var req bytes.Buffer
	if err := jpeg.Encode(&req, face, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode face crop: %w", err)
	}

	resp, err := w.Communicate(req.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerBroken, err)
	}
	return decodeEmbedding(resp)
}

func decodeEmbedding(resp []byte) (types.Embedding, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("empty worker response")
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	if int(dim)*4 != r.Len() {
		return nil, fmt.Errorf("worker announced %d values but sent %d bytes", dim, r.Len())
	}
	emb := make(types.Embedding, dim)
	for i := range emb {
		var bits uint32
		binary.Read(r, binary.BigEndian, &bits)
		emb[i] = math.Float32frombits(bits)
	}
	return emb, nil
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
