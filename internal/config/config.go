package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"fieldcam/go-capture-node/internal/model"
)

// Prefix is prepended to every environment variable, e.g. FIELDCAM_LATITUDE.
const Prefix = "FIELDCAM"

// Camera and store backends.
const (
	CameraLibcamera = "libcamera"
	CameraSynthetic = "synthetic"

	StoreS3  = "s3"
	StoreDir = "dir"
)

// Config lists the tunable parameters for a capture node.
type Config struct {
	DeviceID string `envconfig:"DEVICE_ID"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// Debug swaps in the synthetic camera, the directory store and dry-run power control.
	Debug bool `envconfig:"DEBUG" default:"false"`

	// Site
	SiteFile  string  `envconfig:"SITE_FILE"`
	Site      string  `envconfig:"SITE" default:"default"`
	Latitude  float64 `envconfig:"LATITUDE" default:"51.6023"`
	Longitude float64 `envconfig:"LONGITUDE" default:"-1.1125"`
	Timezone  string  `envconfig:"TIMEZONE" default:"Europe/London"`
	Camera    string  `envconfig:"CAMERA"`
	Direction string  `envconfig:"DIRECTION"`

	// Storage
	DataDir         string        `envconfig:"DATA_DIR" default:"data"`
	DatabasePath    string        `envconfig:"DATABASE_PATH"`
	LedgerRetention time.Duration `envconfig:"LEDGER_RETENTION" default:"720h"`

	// Schedule and loop
	PreActive       time.Duration `envconfig:"PRE_ACTIVE" default:"15m"`
	PostActive      time.Duration `envconfig:"POST_ACTIVE" default:"15m"`
	CaptureInterval time.Duration `envconfig:"CAPTURE_INTERVAL" default:"5m"`
	DormantInterval time.Duration `envconfig:"DORMANT_INTERVAL" default:"30m"`
	SleepStep       time.Duration `envconfig:"SLEEP_STEP" default:"5s"`
	ErrorCooldown   time.Duration `envconfig:"ERROR_COOLDOWN" default:"10s"`
	CaptureTimeout  time.Duration `envconfig:"CAPTURE_TIMEOUT" default:"60s"`

	// Power
	PowerDown       bool          `envconfig:"POWER_DOWN" default:"false"`
	DryRunPower     bool          `envconfig:"DRY_RUN_POWER" default:"false"`
	MinShutdownLead time.Duration `envconfig:"MIN_SHUTDOWN_LEAD" default:"30m"`
	MinWakeDelay    time.Duration `envconfig:"MIN_WAKE_DELAY" default:"60s"`

	// Camera and compression
	CameraMode      string `envconfig:"CAMERA_MODE" default:"libcamera"`
	CameraBinary    string `envconfig:"CAMERA_BINARY" default:"libcamera-still"`
	ImageWidth      int    `envconfig:"IMAGE_WIDTH" default:"1024"`
	ImageHeight     int    `envconfig:"IMAGE_HEIGHT" default:"768"`
	ImageQuality    int    `envconfig:"IMAGE_QUALITY" default:"85"`
	Optimize        bool   `envconfig:"OPTIMIZE" default:"true"`
	MaxWidth        int    `envconfig:"MAX_WIDTH" default:"1024"`
	MaxHeight       int    `envconfig:"MAX_HEIGHT" default:"768"`
	OptimizeQuality int    `envconfig:"OPTIMIZE_QUALITY" default:"85"`

	// Delivery
	StoreMode     string        `envconfig:"STORE" default:"s3"`
	Bucket        string        `envconfig:"BUCKET"`
	KeyPrefix     string        `envconfig:"KEY_PREFIX" default:"images"`
	BatchSize     int           `envconfig:"BATCH_SIZE" default:"10"`
	RefreshMargin time.Duration `envconfig:"REFRESH_MARGIN" default:"5m"`
	UploadTimeout time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"60s"`
	UploadRetries int           `envconfig:"UPLOAD_RETRIES" default:"3"`
	RetryInitial  time.Duration `envconfig:"RETRY_INITIAL" default:"2s"`
	RetryMax      time.Duration `envconfig:"RETRY_MAX" default:"30s"`
	ProbeURL      string        `envconfig:"PROBE_URL" default:"https://connectivitycheck.gstatic.com/generate_204"`
	ProbeTimeout  time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`
	MirrorDir     string        `envconfig:"MIRROR_DIR"`

	// AWS
	AWSRegion       string        `envconfig:"AWS_REGION" default:"eu-west-2"`
	RoleARN         string        `envconfig:"ROLE_ARN"`
	AccessKeyID     string        `envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string        `envconfig:"SECRET_ACCESS_KEY"`
	SessionName     string        `envconfig:"SESSION_NAME" default:"fieldcam"`
	SessionDuration time.Duration `envconfig:"SESSION_DURATION" default:"1h"`
	S3Endpoint      string        `envconfig:"S3_ENDPOINT"`
	AWSHTTPTimeout  time.Duration `envconfig:"AWS_HTTP_TIMEOUT" default:"30s"`

	// Status surfaces
	HTTPPort        int           `envconfig:"HTTP_PORT" default:"8080"`
	MetricsPort     int           `envconfig:"METRICS_PORT" default:"9090"`
	MDNS            bool          `envconfig:"MDNS" default:"true"`
	MQTTBroker      string        `envconfig:"MQTT_BROKER"`
	MQTTTopic       string        `envconfig:"MQTT_TOPIC"`
	MQTTMinInterval time.Duration `envconfig:"MQTT_MIN_INTERVAL" default:"1m"`
}

// SiteFile is the per-installation YAML file. Fields left out keep their environment values.
type SiteFile struct {
	Site      string   `yaml:"site"`
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
	Timezone  string   `yaml:"timezone"`
	Camera    string   `yaml:"camera"`
	Direction string   `yaml:"direction"`
}

// Load derives configuration values from environment variables and the optional site file.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if cfg.SiteFile != "" {
		if err := cfg.ApplySiteFile(cfg.SiteFile); err != nil {
			return Config{}, err
		}
	}

	cfg.resolveDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplySiteFile overlays the site description in path onto cfg.
func (c *Config) ApplySiteFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read site file: %w", err)
	}

	var site SiteFile
	if err := yaml.Unmarshal(raw, &site); err != nil {
		return fmt.Errorf("%w: parse site file %s: %v", model.ErrValidation, path, err)
	}

	if site.Site != "" {
		c.Site = site.Site
	}
	if site.Latitude != nil {
		c.Latitude = *site.Latitude
	}
	if site.Longitude != nil {
		c.Longitude = *site.Longitude
	}
	if site.Timezone != "" {
		c.Timezone = site.Timezone
	}
	if site.Camera != "" {
		c.Camera = site.Camera
	}
	if site.Direction != "" {
		c.Direction = site.Direction
	}
	return nil
}

func (c *Config) resolveDefaults() {
	if c.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "fieldcam"
		}
		c.DeviceID = host
	}
	if c.Debug {
		c.CameraMode = CameraSynthetic
		c.StoreMode = StoreDir
		c.DryRunPower = true
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "fieldcam.db")
	}
	if c.MirrorDir == "" {
		c.MirrorDir = filepath.Join(c.DataDir, "mirror")
	}
	if c.Bucket == "" && c.StoreMode == StoreDir {
		c.Bucket = "local"
	}
	if c.MQTTTopic == "" {
		c.MQTTTopic = fmt.Sprintf("fieldcam/%s/status", c.DeviceID)
	}
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	if err := c.Location().Validate(); err != nil {
		return err
	}

	positive := map[string]time.Duration{
		"CAPTURE_INTERVAL": c.CaptureInterval,
		"DORMANT_INTERVAL": c.DormantInterval,
		"SLEEP_STEP":       c.SleepStep,
		"ERROR_COOLDOWN":   c.ErrorCooldown,
		"CAPTURE_TIMEOUT":  c.CaptureTimeout,
		"UPLOAD_TIMEOUT":   c.UploadTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s_%s must be positive, got %s", model.ErrValidation, Prefix, name, d)
		}
	}
	if c.PreActive < 0 || c.PostActive < 0 {
		return fmt.Errorf("%w: active offsets must not be negative", model.ErrValidation)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: %s_BATCH_SIZE must be positive, got %d", model.ErrValidation, Prefix, c.BatchSize)
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("%w: %s_UPLOAD_RETRIES must not be negative", model.ErrValidation, Prefix)
	}
	for name, q := range map[string]int{"IMAGE_QUALITY": c.ImageQuality, "OPTIMIZE_QUALITY": c.OptimizeQuality} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%w: %s_%s must be within 1-100, got %d", model.ErrValidation, Prefix, name, q)
		}
	}
	for name, port := range map[string]int{"HTTP_PORT": c.HTTPPort, "METRICS_PORT": c.MetricsPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s_%s out of range: %d", model.ErrValidation, Prefix, name, port)
		}
	}

	switch c.CameraMode {
	case CameraLibcamera, CameraSynthetic:
	default:
		return fmt.Errorf("%w: unsupported %s_CAMERA_MODE %q", model.ErrValidation, Prefix, c.CameraMode)
	}

	switch c.StoreMode {
	case StoreS3:
		if c.Bucket == "" || c.AWSRegion == "" {
			return fmt.Errorf("%w: %s_BUCKET and %s_AWS_REGION are required for the s3 store", model.ErrValidation, Prefix, Prefix)
		}
	case StoreDir:
	default:
		return fmt.Errorf("%w: unsupported %s_STORE %q", model.ErrValidation, Prefix, c.StoreMode)
	}
	return nil
}

// Location returns the site's coordinates.
func (c Config) Location() model.Location {
	return model.Location{Latitude: c.Latitude, Longitude: c.Longitude, Timezone: c.Timezone}
}

// QueueDir holds artifacts awaiting delivery.
func (c Config) QueueDir() string { return filepath.Join(c.DataDir, "pending") }

// ScratchDir holds captures in progress.
func (c Config) ScratchDir() string { return filepath.Join(c.DataDir, "scratch") }

// OptimizedDir holds re-encoded captures before they are queued.
func (c Config) OptimizedDir() string { return filepath.Join(c.ScratchDir(), "optimized") }
