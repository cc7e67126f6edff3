package config

import (
	"time"
)

type Config struct {
	// Classification endpoint the captured image is posted to.
	Endpoint          string `json:"endpoint" yaml:"endpoint"`
	ImageField        string `json:"image_field" yaml:"image_field"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`

	// Bearer token, given inline or read from TokenFile on every request.
	Token     string `json:"token" yaml:"token"`
	TokenFile string `json:"token_file" yaml:"token_file"`

	// Capture device URIs per facing. Either may be empty.
	RearDevice      string `json:"rear_device" yaml:"rear_device"`
	FrontDevice     string `json:"front_device" yaml:"front_device"`
	CaptureWidth    int    `json:"capture_width" yaml:"capture_width"`
	CaptureHeight   int    `json:"capture_height" yaml:"capture_height"`
	ReadyTimeoutSec int    `json:"ready_timeout_sec" yaml:"ready_timeout_sec"`
	// Draws a timestamp on the live preview.
	PreviewTimestamp bool `json:"preview_timestamp" yaml:"preview_timestamp"`

	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality"`

	// Prediction labels displayed as "nothing detected".
	SentinelLabels []string `json:"sentinel_labels" yaml:"sentinel_labels"`

	// Origins allowed to call the API from a browser. Empty allows any.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

const (
	DefaultRequestTimeoutSec = 30
	DefaultReadyTimeoutSec   = 5
	DefaultJPEGQuality       = 92
	DefaultImageField        = "image"
)

var defaultSentinels = []string{"No Food Item Is Detected", "Unable to Detect"}

func (c *Config) setDefaults() {
	if c.ImageField == "" {
		c.ImageField = DefaultImageField
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = DefaultRequestTimeoutSec
	}
	if c.ReadyTimeoutSec <= 0 {
		c.ReadyTimeoutSec = DefaultReadyTimeoutSec
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.SentinelLabels == nil {
		c.SentinelLabels = append([]string(nil), defaultSentinels...)
	}
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSec) * time.Second
}
