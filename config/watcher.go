package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvEndpoint    = "PLATECAM_ENDPOINT"
	EnvToken       = "PLATECAM_TOKEN"
	EnvTokenFile   = "PLATECAM_TOKEN_FILE"
	EnvRearDevice  = "PLATECAM_REAR_DEVICE"
	EnvFrontDevice = "PLATECAM_FRONT_DEVICE"
	EnvJPEGQuality = "PLATECAM_JPEG_QUALITY"
)

var (
	gLock   sync.RWMutex
	gConfig *Config
)

func decode(path string, r io.Reader, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.NewDecoder(r).Decode(config)
	default:
		return json.NewDecoder(r).Decode(config)
	}
}

func applyEnv(config *Config) {
	for key, dst := range map[string]*string{
		EnvEndpoint:    &config.Endpoint,
		EnvToken:       &config.Token,
		EnvTokenFile:   &config.TokenFile,
		EnvRearDevice:  &config.RearDevice,
		EnvFrontDevice: &config.FrontDevice,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv(EnvJPEGQuality); v != "" {
		if q, err := strconv.Atoi(v); err == nil {
			config.JPEGQuality = q
		} else {
			log.Warnf("Ignoring %s=%q: %v", EnvJPEGQuality, v, err)
		}
	}
}

func configFromFile(path string) (*Config, error) {
	var config Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := decode(path, f, &config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	applyEnv(&config)
	config.setDefaults()
	if config.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured (set endpoint or %s)", EnvEndpoint)
	}
	redacted := config
	if redacted.Token != "" {
		redacted.Token = "<redacted>"
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(redacted))
	return &config, nil
}

// Get returns the current configuration. It must not be modified.
func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

func set(config *Config) {
	gLock.Lock()
	gConfig = config
	gLock.Unlock()
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-watcher.Events:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

// Load reads path (JSON, or YAML by extension) and then watches it, replacing
// the configuration returned by Get whenever the file changes. An empty path
// configures from the environment alone. A .env file in the working directory
// is loaded first, without overriding variables already set.
func Load(ctx context.Context, path string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to read .env: %v", err)
	}
	config, err := configFromFile(path)
	if err != nil {
		return err
	}
	set(config)
	if path == "" {
		return nil
	}
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() == nil {
					log.Errorf("Error waiting for file change: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}

			config, err := configFromFile(path)
			if err != nil {
				log.Errorf("Failed to load new config: %v", err)
				continue
			}
			set(config)
		}
	}()
	return nil
}
