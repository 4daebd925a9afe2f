// SPDX-License-Identifier: MIT

// Package config loads the coordinator's settings from a TOML file with
// environment-variable overrides, mirroring original_source/server/config.py's
// field set in the teacher's flag-driven CLI idiom.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-faster/errors"

	"github.com/meshforge/dispatch/clog"
)

var log = clog.New("config")

// GenerationDefaults mirrors the default_* fields of the original settings;
// used to seed Settings verbatim when a submitter omits a field.
type GenerationDefaults struct {
	Steps     int     `toml:"default_steps"`
	Guidance  float64 `toml:"default_guidance"`
	OctreeRes int     `toml:"default_octree_res"`
	Seed      int     `toml:"default_seed"`
	HeightMM  float64 `toml:"default_height_mm"`
}

// Settings is the coordinator's full runtime configuration.
type Settings struct {
	StorePath string `toml:"store_path"`

	WorkerAuthToken string `toml:"worker_auth_token"`
	AdminAuthToken  string `toml:"admin_auth_token"`

	UploadDir         string   `toml:"upload_dir"`
	OutputDir         string   `toml:"output_dir"`
	MaxUploadBytes    int64    `toml:"max_upload_bytes"`
	AllowedExtensions []string `toml:"allowed_extensions"`

	RateLimitPerDay     int `toml:"rate_limit_per_day"`
	RateLimitCacheTTLS  int `toml:"rate_limit_cache_ttl_s"`

	JobTimeoutS       int `toml:"job_timeout_s"`
	CleanupIntervalS  int `toml:"cleanup_interval_s"`
	MaxPendingJobs    int `toml:"max_pending_jobs"`

	Defaults GenerationDefaults `toml:"defaults"`

	CORSOrigins []string `toml:"cors_origins"`

	HTTPAddr string `toml:"http_addr"`
}

// Default returns the built-in defaults, equivalent to the field defaults in
// config.py's Settings class.
func Default() Settings {
	return Settings{
		StorePath:          "dispatch.db",
		UploadDir:          "uploads",
		OutputDir:          "outputs",
		MaxUploadBytes:     20 * 1024 * 1024,
		AllowedExtensions:  []string{"jpg", "jpeg", "png", "webp"},
		RateLimitPerDay:    20,
		RateLimitCacheTTLS: 60,
		JobTimeoutS:        600,
		CleanupIntervalS:   120,
		MaxPendingJobs:     50,
		Defaults: GenerationDefaults{
			Steps:     50,
			Guidance:  5.0,
			OctreeRes: 384,
			Seed:      42,
			HeightMM:  100.0,
		},
		CORSOrigins: []string{"http://localhost:3000"},
		HTTPAddr:    ":8000",
	}
}

// Load reads a TOML file into the default settings (fields present in the
// file override the default; absent fields keep the default), then applies
// environment-variable overrides for the two auth tokens.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &s); err != nil {
			if !os.IsNotExist(err) {
				return s, errors.Wrapf(err, "decode config file %s", path)
			}
			log.Printf("config file %s not found, using defaults", path)
		}
	}

	if v := os.Getenv("WORKER_AUTH_TOKEN"); v != "" {
		s.WorkerAuthToken = v
	}
	if v := os.Getenv("ADMIN_AUTH_TOKEN"); v != "" {
		s.AdminAuthToken = v
	}

	if s.WorkerAuthToken == "" {
		s.WorkerAuthToken = randomToken()
		log.Errorf("WORKER_AUTH_TOKEN not set — using random token for this session")
	}
	if s.AdminAuthToken == "" {
		s.AdminAuthToken = randomToken()
		log.Errorf("ADMIN_AUTH_TOKEN not set — using random token for this session")
	}

	return s, nil
}

func randomToken() string {
	buf := make([]byte, 36)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed, clearly-dev-only token rather than panicking.
		return "dev-only-insecure-token"
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
