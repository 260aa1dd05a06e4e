// Package opencv provides the gocv camera driver and the Haar cascade fallback detector.
package opencv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/rollcall/internal/camera"
)

// CameraConfig is the capture geometry requested from the driver. Zero values keep the device defaults.
type CameraConfig struct {
	Width  int
	Height int
	FPS    float64
}

// Opener opens webcams through OpenCV's VideoCapture.
type Opener struct {
	cfg CameraConfig
}

func NewOpener(cfg CameraConfig) *Opener {
	return &Opener{cfg: cfg}
}

func (o *Opener) Open(index int) (camera.Device, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture %d did not open", index)
	}

	if o.cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(o.cfg.Width))
	}
	if o.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(o.cfg.Height))
	}
	if o.cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, o.cfg.FPS)
	}
	// Keep only the newest frame so recognition never works on stale images.
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	return &device{
		vc:     vc,
		mat:    gocv.NewMat(),
		width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
		fps:    vc.Get(gocv.VideoCaptureFPS),
	}, nil
}

type device struct {
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	width  int
	height int
	fps    float64
}

func (d *device) Read() (image.Image, error) {
	if ok := d.vc.Read(&d.mat); !ok {
		if !d.vc.IsOpened() {
			return nil, fmt.Errorf("%w: video capture closed", camera.ErrDeviceLost)
		}
		return nil, fmt.Errorf("video capture returned no frame")
	}
	if d.mat.Empty() {
		return nil, fmt.Errorf("video capture returned an empty frame")
	}
	// ToImage allocates, so the returned image never aliases the reused Mat.
	return d.mat.ToImage()
}

func (d *device) Resolution() (int, int) { return d.width, d.height }

func (d *device) FPS() float64 { return d.fps }

func (d *device) Close() error {
	d.mat.Close()
	return d.vc.Close()
}
