/*
Copyright 2025 The Forge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config holds the runtime configuration of the forge service. Values come
// from built-in defaults, an optional YAML file and FORGE_* environment
// variables, in that order of precedence.
type Config struct {
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`

	DatabasePath string `yaml:"database_path"`
	StorePath    string `yaml:"store_path"`

	ContainerSocketPath  string `yaml:"container_socket_path"`
	ImageBuilderRegistry string `yaml:"imagebuilder_registry"`

	MaxPendingJobs    int  `yaml:"max_pending_jobs"`
	JobTimeoutSeconds int  `yaml:"job_timeout_seconds"`
	BuildTTLSeconds   int  `yaml:"build_ttl_seconds"`
	FailureTTLSeconds int  `yaml:"failure_ttl_seconds"`
	AllowDefaults     bool `yaml:"allow_defaults"`

	WorkerConcurrent       int `yaml:"worker_concurrent"`
	WorkerPollSeconds      int `yaml:"worker_poll_seconds"`
	JanitorIntervalSeconds int `yaml:"janitor_interval_seconds"`

	MaxDefaultsLength     int `yaml:"max_defaults_length"`
	MaxCustomRootfsSizeMB int `yaml:"max_custom_rootfs_size_mb"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerHost:             "0.0.0.0",
		ServerPort:             8080,
		DatabasePath:           "data/forge.db",
		StorePath:              "public/store",
		ContainerSocketPath:    "/var/run/docker.sock",
		ImageBuilderRegistry:   "ghcr.io/openwrt/imagebuilder",
		MaxPendingJobs:         200,
		JobTimeoutSeconds:      600,
		BuildTTLSeconds:        86400,
		FailureTTLSeconds:      3600,
		AllowDefaults:          false,
		WorkerConcurrent:       4,
		WorkerPollSeconds:      5,
		JanitorIntervalSeconds: 300,
		MaxDefaultsLength:      20480,
		MaxCustomRootfsSizeMB:  1024,
		LogLevel:               "info",
	}
}

// Load reads the configuration. A missing file is not an error so that the
// service can run on defaults and environment variables alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(buf, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var err error
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("%s: %w", key, convErr)
			return
		}
		*dst = n
	}
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(key)
		if !ok || err != nil {
			return
		}
		b, convErr := strconv.ParseBool(v)
		if convErr != nil {
			err = fmt.Errorf("%s: %w", key, convErr)
			return
		}
		*dst = b
	}

	str("FORGE_SERVER_HOST", &c.ServerHost)
	num("FORGE_SERVER_PORT", &c.ServerPort)
	str("FORGE_DATABASE_PATH", &c.DatabasePath)
	str("FORGE_STORE_PATH", &c.StorePath)
	str("FORGE_CONTAINER_SOCKET_PATH", &c.ContainerSocketPath)
	str("FORGE_IMAGEBUILDER_REGISTRY", &c.ImageBuilderRegistry)
	num("FORGE_MAX_PENDING_JOBS", &c.MaxPendingJobs)
	num("FORGE_JOB_TIMEOUT_SECONDS", &c.JobTimeoutSeconds)
	num("FORGE_BUILD_TTL_SECONDS", &c.BuildTTLSeconds)
	num("FORGE_FAILURE_TTL_SECONDS", &c.FailureTTLSeconds)
	boolean("FORGE_ALLOW_DEFAULTS", &c.AllowDefaults)
	num("FORGE_WORKER_CONCURRENT", &c.WorkerConcurrent)
	num("FORGE_WORKER_POLL_SECONDS", &c.WorkerPollSeconds)
	num("FORGE_JANITOR_INTERVAL_SECONDS", &c.JanitorIntervalSeconds)
	num("FORGE_MAX_DEFAULTS_LENGTH", &c.MaxDefaultsLength)
	num("FORGE_MAX_CUSTOM_ROOTFS_SIZE_MB", &c.MaxCustomRootfsSizeMB)
	str("FORGE_LOG_LEVEL", &c.LogLevel)
	return err
}

func (c *Config) expandPaths() error {
	var err error
	if c.DatabasePath, err = filepath.Abs(c.DatabasePath); err != nil {
		return fmt.Errorf("expanding database_path: %w", err)
	}
	if c.StorePath, err = filepath.Abs(c.StorePath); err != nil {
		return fmt.Errorf("expanding store_path: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail in confusing ways later.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	if c.ImageBuilderRegistry == "" {
		return fmt.Errorf("imagebuilder_registry must not be empty")
	}
	if c.MaxPendingJobs < 1 {
		return fmt.Errorf("max_pending_jobs must be at least 1")
	}
	if c.WorkerConcurrent < 1 {
		return fmt.Errorf("worker_concurrent must be at least 1")
	}
	if c.WorkerPollSeconds < 1 {
		return fmt.Errorf("worker_poll_seconds must be at least 1")
	}
	return nil
}

func (c *Config) JobTimeout() time.Duration { return time.Duration(c.JobTimeoutSeconds) * time.Second }

func (c *Config) WorkerPoll() time.Duration { return time.Duration(c.WorkerPollSeconds) * time.Second }

func (c *Config) BuildTTL() time.Duration { return time.Duration(c.BuildTTLSeconds) * time.Second }

func (c *Config) FailureTTL() time.Duration {
	return time.Duration(c.FailureTTLSeconds) * time.Second
}

func (c *Config) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalSeconds) * time.Second
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
