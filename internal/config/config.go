// Package config loads rollcall settings from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/rollcall/internal/detect"
	"github.com/andresmejia3/rollcall/internal/encode"
	"github.com/andresmejia3/rollcall/internal/gallery"
)

type Config struct {
	DatabaseURL string          `yaml:"database_url"`
	LogLevel    string          `yaml:"log_level"`
	LogFormat   string          `yaml:"log_format"`
	Camera      CameraConfig    `yaml:"camera"`
	Detection   DetectionConfig `yaml:"detection"`
	Encoding    EncodingConfig  `yaml:"encoding"`
	Matching    MatchingConfig  `yaml:"matching"`
	Session     SessionConfig   `yaml:"session"`
	Stream      StreamConfig    `yaml:"stream"`
}

type CameraConfig struct {
	Driver       string  `yaml:"driver"` // opencv or ffmpeg
	Index        int     `yaml:"index"`
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	FPS          float64 `yaml:"fps"`
	FFmpegFormat string  `yaml:"ffmpeg_format"`
	FFmpegInput  string  `yaml:"ffmpeg_input"` // "%d" is replaced with the index
}

type DetectionConfig struct {
	Mode          string  `yaml:"mode"`
	MinConfidence float64 `yaml:"min_confidence"`
	IoUThreshold  float64 `yaml:"iou_threshold"`
	AlwaysRunBoth bool    `yaml:"always_run_both"`
	MinFaceSize   int     `yaml:"min_face_size"`
	CNN           bool    `yaml:"cnn"`
	HaarCascade   string  `yaml:"haar_cascade"` // empty disables the fallback
}

type EncodingConfig struct {
	Backbone     string  `yaml:"backbone"`
	Margin       float64 `yaml:"margin"`
	ModelDir     string  `yaml:"model_dir"`
	Python       string  `yaml:"python"`
	WorkerScript string  `yaml:"worker_script"`
	Workers      int     `yaml:"workers"`
}

// MatchingConfig overrides the backbone's default metric and tolerance when set.
type MatchingConfig struct {
	Metric    string  `yaml:"metric"`
	Tolerance float64 `yaml:"tolerance"`
}

type SessionConfig struct {
	MinRecognitions int           `yaml:"min_recognitions"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"` // zero means sessions never expire
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type StreamConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	det := detect.DefaultConfig()
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Camera: CameraConfig{
			Driver:       "opencv",
			Width:        640,
			Height:       480,
			FPS:          30,
			FFmpegFormat: "v4l2",
			FFmpegInput:  "/dev/video%d",
		},
		Detection: DetectionConfig{
			Mode:          string(det.Mode),
			MinConfidence: det.MinConfidence,
			IoUThreshold:  det.IoUThreshold,
			MinFaceSize:   det.MinFaceSize,
			HaarCascade:   "models/haarcascade_frontalface_default.xml",
		},
		Encoding: EncodingConfig{
			Backbone:     "dlib-resnet",
			Margin:       0.2,
			ModelDir:     "models",
			Python:       "python3",
			WorkerScript: "python/embed_worker.py",
			Workers:      2,
		},
		Session: SessionConfig{
			MinRecognitions: 3,
			SweepInterval:   30 * time.Second,
		},
		Stream: StreamConfig{JPEGQuality: 80},
	}
}

// Load applies, in order: defaults, the YAML file at path (if path is not empty), and environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = DatabaseURLFromEnv()
	}
	return cfg, nil
}

// DatabaseURLFromEnv builds a connection string from POSTGRES_* variables, falling back to a local default.
func DatabaseURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		// Fallback to local default if no env vars are present
		return "postgres://localhost:5432/rollcall"
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

type envParser struct {
	errs []error
}

func (p *envParser) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (p *envParser) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (p *envParser) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (p *envParser) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (p *envParser) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (c *Config) applyEnv() error {
	var p envParser
	p.str("ROLLCALL_DATABASE_URL", &c.DatabaseURL)
	p.str("ROLLCALL_LOG_LEVEL", &c.LogLevel)
	p.str("ROLLCALL_LOG_FORMAT", &c.LogFormat)

	p.str("ROLLCALL_CAMERA_DRIVER", &c.Camera.Driver)
	p.int("ROLLCALL_CAMERA_INDEX", &c.Camera.Index)
	p.int("ROLLCALL_CAMERA_WIDTH", &c.Camera.Width)
	p.int("ROLLCALL_CAMERA_HEIGHT", &c.Camera.Height)
	p.float("ROLLCALL_CAMERA_FPS", &c.Camera.FPS)
	p.str("ROLLCALL_FFMPEG_FORMAT", &c.Camera.FFmpegFormat)
	p.str("ROLLCALL_FFMPEG_INPUT", &c.Camera.FFmpegInput)

	p.str("ROLLCALL_DETECTION_MODE", &c.Detection.Mode)
	p.float("ROLLCALL_MIN_CONFIDENCE", &c.Detection.MinConfidence)
	p.bool("ROLLCALL_ALWAYS_RUN_BOTH", &c.Detection.AlwaysRunBoth)
	p.int("ROLLCALL_MIN_FACE_SIZE", &c.Detection.MinFaceSize)
	p.bool("ROLLCALL_DETECTION_CNN", &c.Detection.CNN)
	p.str("ROLLCALL_HAAR_CASCADE", &c.Detection.HaarCascade)

	p.str("ROLLCALL_BACKBONE", &c.Encoding.Backbone)
	p.str("ROLLCALL_MODEL_DIR", &c.Encoding.ModelDir)
	p.str("ROLLCALL_PYTHON", &c.Encoding.Python)
	p.str("ROLLCALL_WORKER_SCRIPT", &c.Encoding.WorkerScript)
	p.int("ROLLCALL_WORKERS", &c.Encoding.Workers)

	p.str("ROLLCALL_METRIC", &c.Matching.Metric)
	p.float("ROLLCALL_TOLERANCE", &c.Matching.Tolerance)

	p.int("ROLLCALL_MIN_RECOGNITIONS", &c.Session.MinRecognitions)
	p.duration("ROLLCALL_SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	return errors.Join(p.errs...)
}

// Backbone resolves the configured backbone with the matching overrides applied.
func (c Config) Backbone() (encode.Spec, gallery.Metric, float64, error) {
	spec, err := encode.Lookup(c.Encoding.Backbone)
	if err != nil {
		return encode.Spec{}, "", 0, err
	}
	metric := spec.Metric
	if c.Matching.Metric != "" {
		metric = c.Matching.Metric
	}
	m, err := gallery.ParseMetric(metric)
	if err != nil {
		return encode.Spec{}, "", 0, err
	}
	tolerance := spec.Tolerance
	if c.Matching.Tolerance > 0 {
		tolerance = c.Matching.Tolerance
	}
	return spec, m, tolerance, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Camera.Driver {
	case "opencv", "ffmpeg":
	default:
		errs = append(errs, fmt.Errorf("camera.driver must be opencv or ffmpeg, got %q", c.Camera.Driver))
	}
	if c.Camera.Index < 0 {
		errs = append(errs, fmt.Errorf("camera.index must be >= 0, got %d", c.Camera.Index))
	}
	if _, err := detect.ParseMode(c.Detection.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detection.min_confidence must be within [0, 1], got %v", c.Detection.MinConfidence))
	}
	if c.Detection.IoUThreshold <= 0 || c.Detection.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.iou_threshold must be within (0, 1], got %v", c.Detection.IoUThreshold))
	}
	if c.Detection.Mode == string(detect.ModeFallbackOnly) && c.Detection.HaarCascade == "" {
		errs = append(errs, errors.New("detection.mode fallback-only requires detection.haar_cascade"))
	}
	if _, _, _, err := c.Backbone(); err != nil {
		errs = append(errs, err)
	}
	if c.Matching.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("matching.tolerance must not be negative, got %v", c.Matching.Tolerance))
	}
	if c.Encoding.Margin < 0 {
		errs = append(errs, fmt.Errorf("encoding.margin must not be negative, got %v", c.Encoding.Margin))
	}
	if c.Session.MinRecognitions < 1 {
		errs = append(errs, fmt.Errorf("session.min_recognitions must be >= 1, got %d", c.Session.MinRecognitions))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must not be negative, got %v", c.Session.IdleTimeout))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval must be positive, got %v", c.Session.SweepInterval))
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("stream.jpeg_quality must be within [1, 100], got %d", c.Stream.JPEGQuality))
	}
	return errors.Join(errs...)
}
