package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/detect"
	"github.com/andresmejia3/rollcall/internal/dlib"
	"github.com/andresmejia3/rollcall/internal/encode"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/opencv"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
)

// pipeline is a built engine plus the model handles it does not own.
type pipeline struct {
	*engine.Engine
	closers []func() error
}

func (r *pipeline) Close() error {
	errs := []error{r.Engine.Close()}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// buildEngine loads the models named in cfg and restores the stored gallery.
func buildEngine(ctx context.Context, c config.Config) (*pipeline, error) {
	spec, metric, tolerance, err := c.Backbone()
	if err != nil {
		return nil, err
	}
	mode, err := detect.ParseMode(c.Detection.Mode)
	if err != nil {
		return nil, err
	}

	rt := &pipeline{}
	fail := func(err error) (*pipeline, error) {
		for i := len(rt.closers) - 1; i >= 0; i-- {
			rt.closers[i]()
		}
		return nil, err
	}

	// 1. dlib serves the primary detector and the dlib backbone.
	var model *dlib.Model
	if mode != detect.ModeFallbackOnly || spec.Driver == encode.DriverDlib {
		fmt.Fprintf(os.Stderr, "🧠 Loading dlib models from %s...\n", c.Encoding.ModelDir)
		model, err = dlib.Load(c.Encoding.ModelDir)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, model.Close)
	}

	// 2. Detector
	var primary, fallback detect.Detector
	if model != nil {
		primary = model.Detector(c.Detection.CNN)
	}
	if c.Detection.HaarCascade != "" && mode != detect.ModePrimaryOnly {
		haar, err := opencv.NewHaarDetector(c.Detection.HaarCascade, c.Detection.MinFaceSize)
		if err != nil {
			return fail(err)
		}
		fallback = haar
	}
	detector, err := detect.NewHybrid(primary, fallback, detect.Config{
		Mode:          mode,
		MinConfidence: c.Detection.MinConfidence,
		IoUThreshold:  c.Detection.IoUThreshold,
		AlwaysRunBoth: c.Detection.AlwaysRunBoth,
		MinFaceSize:   c.Detection.MinFaceSize,
	}, logger)
	if err != nil {
		if fallback != nil {
			fallback.Close()
		}
		return fail(err)
	}

	// 3. Backbone
	var backboneImpl encode.Backbone
	switch spec.Driver {
	case encode.DriverDlib:
		backboneImpl = model.Backbone()
	case encode.DriverWorker:
		fmt.Fprintf(os.Stderr, "⚙️  Spawning %d %s workers...\n", c.Encoding.Workers, spec.Name)
		pool, err := worker.NewPool(ctx, c.Encoding.Workers, worker.Options{
			Python:   c.Encoding.Python,
			Script:   c.Encoding.WorkerScript,
			Backbone: spec.Name,
			ModelDir: c.Encoding.ModelDir,
		}, logger)
		if err != nil {
			detector.Close()
			return fail(fmt.Errorf("failed to start embedding workers: %w", err))
		}
		backboneImpl = pool
	default:
		detector.Close()
		return fail(fmt.Errorf("backbone %s has unsupported driver %q", spec.Name, spec.Driver))
	}

	matcher, err := gallery.New(spec.Dim, metric, tolerance)
	if err != nil {
		detector.Close()
		backboneImpl.Close()
		return fail(err)
	}

	var expiry session.ExpiryPolicy = session.NeverExpire{}
	if c.Session.IdleTimeout > 0 {
		expiry = session.IdleTimeout(c.Session.IdleTimeout)
	}

	opts := engine.Options{
		Camera:   camera.NewSource(newOpener(ctx, c), logger),
		Detector: detector,
		Encoder:  encode.New(spec, backboneImpl, c.Encoding.Margin),
		Matcher:  matcher,
		Logger:   logger,
		Sessions: []session.Option{session.WithExpiry(expiry)},
	}
	// A nil *store.Store must not become a non-nil interface.
	if DB != nil {
		opts.Store = DB
	}
	eng, err := engine.New(opts)
	if err != nil {
		detector.Close()
		backboneImpl.Close()
		return fail(err)
	}
	rt.Engine = eng

	if _, err := eng.LoadGallery(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func newOpener(ctx context.Context, c config.Config) camera.Opener {
	if c.Camera.Driver == "ffmpeg" {
		return camera.NewFFmpegOpener(ctx, camera.FFmpegConfig{
			Format:       c.Camera.FFmpegFormat,
			InputPattern: c.Camera.FFmpegInput,
			Width:        c.Camera.Width,
			Height:       c.Camera.Height,
			FPS:          c.Camera.FPS,
		}, logger)
	}
	return opencv.NewOpener(opencv.CameraConfig{
		Width:  c.Camera.Width,
		Height: c.Camera.Height,
		FPS:    c.Camera.FPS,
	})
}

// startCamera opens the configured device and reports it on stderr.
func startCamera(rt *pipeline) error {
	st, err := rt.StartCamera(cfg.Camera.Index)
	if err != nil {
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📷 Camera %d open at %s, %.0f fps\n", st.Index, st.Resolution(), st.FPS)
	return nil
}
