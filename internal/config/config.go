// Package config handles loading and validating the application
// configuration from a vidscope.json file.
//
// Values in the file can be overridden by VIDSCOPE_* environment
// variables (e.g. VIDSCOPE_DBPASS, VIDSCOPE_STORAGE_GCSBUCKET). A .env
// file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration. The file is read once at
// startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "db.internal:5432").
	DBConn string `mapstructure:"dbConn"`

	// DBName is the PostgreSQL database name.
	DBName string `mapstructure:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `mapstructure:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `mapstructure:"dbPass"`

	// DBSSLMode is passed through as sslmode (default "disable").
	DBSSLMode string `mapstructure:"dbSslMode"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `mapstructure:"listenAddr"`

	// AdminKey is a shared secret for the admin API.
	// Clients send it as "Authorization: Bearer <adminKey>".
	AdminKey string `mapstructure:"adminKey"`

	// JWTSecret verifies HS256 access tokens issued by the hosted auth
	// provider.
	JWTSecret string `mapstructure:"jwtSecret"`

	// DemoMode serves unauthenticated requests as a fixed demo user.
	DemoMode bool `mapstructure:"demoMode"`

	Storage StorageConfig `mapstructure:"storage"`

	// DetectorURL is the external object detection endpoint. When empty,
	// detections are simulated.
	DetectorURL string `mapstructure:"detectorUrl"`

	// PublicURL is the absolute base URL this server is reachable under
	// (e.g. "https://vidscope.example.com"). Signed media links handed to
	// the detector are built on it.
	PublicURL string `mapstructure:"publicUrl"`

	// DetectorTimeout bounds one call to the detector.
	DetectorTimeout time.Duration `mapstructure:"detectorTimeout"`

	// TickInterval is how often the processing queue advances jobs.
	TickInterval time.Duration `mapstructure:"tickInterval"`

	// RateLimit is the number of requests per minute allowed per client
	// IP. Zero disables limiting.
	RateLimit int `mapstructure:"rateLimit"`

	// BodyLimit caps JSON request bodies (e.g. "1M"). Uploads are capped
	// by the caller's plan instead.
	BodyLimit string `mapstructure:"bodyLimit"`
}

// StorageConfig selects the blob backend for uploaded videos. GCSBucket
// takes precedence over Dir.
type StorageConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcsBucket"`
	GCSPublic bool   `mapstructure:"gcsPublic"`
}

var defaults = map[string]any{
	"dbConn":            "",
	"dbName":            "",
	"dbUser":            "",
	"dbPass":            "",
	"dbSslMode":         "disable",
	"listenAddr":        ":3000",
	"adminKey":          "",
	"jwtSecret":         "",
	"demoMode":          false,
	"storage.dir":       "data/videos",
	"storage.gcsBucket": "",
	"storage.gcsPublic": false,
	"detectorUrl":       "",
	"publicUrl":         "",
	"detectorTimeout":   30 * time.Second,
	"tickInterval":      2 * time.Second,
	"rateLimit":         120,
	"bodyLimit":         "1M",
}

// Load reads and parses configuration from the given file path. A
// missing file is allowed when the environment supplies every required
// field.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("VIDSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.JWTSecret == "" && !c.DemoMode:
		return fmt.Errorf("config: jwtSecret is required unless demoMode is set")
	case c.Storage.Dir == "" && c.Storage.GCSBucket == "":
		return fmt.Errorf("config: storage.dir or storage.gcsBucket is required")
	case c.TickInterval <= 0:
		return fmt.Errorf("config: tickInterval must be positive")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: publicUrl must be an absolute http(s) URL")
		}
	}
	if c.DetectorURL != "" && c.PublicURL == "" && !(c.Storage.GCSBucket != "" && c.Storage.GCSPublic) {
		return fmt.Errorf("config: detectorUrl needs publicUrl or a public storage.gcsBucket to fetch videos from")
	}
	return nil
}

// MediaSecret signs the media links handed to the detector.
func (c *Config) MediaSecret() string {
	if c.JWTSecret != "" {
		return c.JWTSecret
	}
	return c.AdminKey
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
		url.QueryEscape(c.DBSSLMode),
	)
}

// Redacted returns a log-safe one-line summary.
func (c *Config) Redacted() string {
	backend := "fs:" + c.Storage.Dir
	if c.Storage.GCSBucket != "" {
		backend = "gcs:" + c.Storage.GCSBucket
	}
	detector := c.DetectorURL
	if detector == "" {
		detector = "simulated"
	}
	return fmt.Sprintf("listen=%s db=%s/%s storage=%s detector=%s demo=%v",
		c.ListenAddr, c.DBConn, c.DBName, backend, detector, c.DemoMode)
}
