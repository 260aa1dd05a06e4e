package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
)

// ErrNoWorkers is returned once every worker has been retired or the pool is closed.
var ErrNoWorkers = errors.New("no embedding workers left")

// Pool hands face crops to a fixed set of Python workers. It satisfies encode.Backbone.
// A worker whose pipe breaks is closed and never handed out again.
type Pool struct {
	idle    chan *PythonWorker
	drained chan struct{} // closed when no live workers remain
	logger  *slog.Logger

	mu        sync.Mutex
	all       []*PythonWorker
	drainOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

func newPool(size int, logger *slog.Logger) *Pool {
	return &Pool{
		idle:    make(chan *PythonWorker, size),
		drained: make(chan struct{}),
		logger:  logger.With("component", "workers"),
	}
}

func (p *Pool) add(w *PythonWorker) {
	p.mu.Lock()
	p.all = append(p.all, w)
	p.mu.Unlock()
	p.idle <- w
}

// NewPool starts size workers. If any fails to start, the ones already running are stopped.
func NewPool(ctx context.Context, size int, opts Options, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if opts.Script == "" {
		return nil, errors.New("worker script path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := newPool(size, logger)
	for i := 0; i < size; i++ {
		w, err := NewPythonWorker(ctx, i, opts)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.add(w)
	}
	p.logger.Info("embedding workers started", "count", size, "backbone", opts.Backbone)
	return p, nil
}

// live counts the workers still in rotation.
func (p *Pool) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Embed runs the crop on the next idle worker.
func (p *Pool) Embed(ctx context.Context, face *image.RGBA) (types.Embedding, error) {
	var w *PythonWorker
	select {
	case w = <-p.idle:
	case <-p.drained:
		return nil, ErrNoWorkers
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	emb, err := w.Embed(face)
	if err == nil {
		p.idle <- w
		return emb, nil
	}
	if w.Cmd != nil && w.Cmd.Stderr.Len() > 0 {
		p.logger.Error("worker failed", "worker", w.ID, "error", err, "stderr", w.Cmd.Stderr.String())
	}
	if errors.Is(err, ErrWorkerBroken) {
		p.retire(w)
	} else {
		p.idle <- w
	}
	return nil, fmt.Errorf("worker %d: %w", w.ID, err)
}

// retire takes w out of rotation and stops it.
func (p *Pool) retire(w *PythonWorker) {
	p.mu.Lock()
	found := false
	for i, cand := range p.all {
		if cand == w {
			p.all = append(p.all[:i], p.all[i+1:]...)
			found = true
			break
		}
	}
	left := len(p.all)
	p.mu.Unlock()

	if !found {
		// Close already owns it.
		return
	}
	if left == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}
	if err := w.Close(); err != nil {
		p.logger.Debug("retired worker exited", "worker", w.ID, "error", err)
	}
	p.logger.Warn("worker retired", "worker", w.ID, "remaining", left)
}

// Close stops every worker. Calls after the first return the same result.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		workers := p.all
		p.all = nil
		p.mu.Unlock()
		p.drainOnce.Do(func() { close(p.drained) })

		var errs []error
		for _, w := range workers {
			if err := w.Close(); err != nil {
				errs = append(errs, fmt.Errorf("worker %d: %w", w.ID, err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
