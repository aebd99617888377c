// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/subosito/gotenv"
)

// Config holds everything main needs to wire the service.
type Config struct {
	YouTubeAPIKey   string
	LocalStorage    string
	Bucket          string
	BaseURL         string
	Salt            string
	BrevoAPIKey     string
	MailFrom        string
	MailFromName    string
	GoogleCredsJSON string
	ValkeyAddr      string
	ValkeyPassword  string
	Port            string
	LogFormat       string // "json" or "text"; text uses colour output
	PollInterval    time.Duration
	FetchTimeout    time.Duration
	YouTubeQPS      float64
	PollConcurrency int
}

// Local reports whether documents are stored on the local filesystem.
func (c *Config) Local() bool {
	return c.LocalStorage != ""
}

// LoadEnvFile preloads variables from a .env file without overriding ones
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration using getenv, applying defaults and validating
// required values. Pass os.Getenv outside tests.
func Load(getenv func(string) string) (*Config, error) {
	c := &Config{
		YouTubeAPIKey:   getenv("YOUTUBE_API_KEY"),
		LocalStorage:    getenv("LOCAL_STORAGE"),
		Bucket:          getenv("STORAGE_BUCKET"),
		BaseURL:         getenv("BASE_URL"),
		Salt:            getenv("SALT"),
		BrevoAPIKey:     getenv("BREVO_API_KEY"),
		MailFrom:        getenv("MAIL_FROM"),
		MailFromName:    orDefault(getenv("MAIL_FROM_NAME"), "YouTube Comment Notifier"),
		GoogleCredsJSON: getenv("GOOGLE_CREDENTIALS_JSON"),
		ValkeyAddr:      getenv("VALKEY_ADDR"),
		ValkeyPassword:  getenv("VALKEY_PASSWORD"),
		Port:            orDefault(getenv("PORT"), "8080"),
		LogFormat:       getenv("LOG_FORMAT"),
	}

	var errs []error
	if c.YouTubeAPIKey == "" {
		errs = append(errs, errors.New("YOUTUBE_API_KEY is required"))
	}

	// Default to local development mode if no bucket specified
	if c.Bucket == "" && c.LocalStorage == "" {
		c.LocalStorage = "./data"
	}

	if c.Local() {
		if c.BaseURL == "" {
			c.BaseURL = "http://localhost:" + c.Port
		}
		if c.Salt == "" {
			c.Salt = "local-development-salt"
		}
		if c.LogFormat == "" {
			c.LogFormat = "text"
		}
	} else {
		if c.BaseURL == "" {
			errs = append(errs, errors.New("BASE_URL is required (e.g., https://your-service.run.app)"))
		}
		if len(c.Salt) < 16 {
			errs = append(errs, errors.New("SALT of at least 16 characters is required with STORAGE_BUCKET"))
		}
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.BrevoAPIKey != "" && c.MailFrom == "" {
		errs = append(errs, errors.New("MAIL_FROM is required with BREVO_API_KEY"))
	}

	var err error
	if c.PollInterval, err = duration(getenv, "POLL_INTERVAL", time.Hour); err != nil {
		errs = append(errs, err)
	}
	if c.FetchTimeout, err = duration(getenv, "FETCH_TIMEOUT", 2*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if c.PollConcurrency, err = positiveInt(getenv, "POLL_CONCURRENCY", 4); err != nil {
		errs = append(errs, err)
	}
	if c.YouTubeQPS, err = positiveFloat(getenv, "YOUTUBE_QPS", 5); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a non-negative duration, got %q", key, v)
	}
	return d, nil
}

func positiveInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func positiveFloat(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s must be a positive number, got %q", key, v)
	}
	return f, nil
}
