package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds all client configuration
type Config struct {
	APIURL     string
	APIToken   string
	BusinessID string
	Debug      bool

	GreetingText      string
	GreetingDelay     time.Duration // negative disables the greeting
	HeartbeatInterval time.Duration

	CaptureSampleRate  int
	CaptureFrame       time.Duration
	PlaybackSampleRate int

	RedisURL      string // empty keeps the cart in memory
	RedisPassword string
	CartKey       string
	CartTTL       time.Duration

	LogLevel string
}

// fileConfig is the YAML layout. Zero values leave the default in place.
type fileConfig struct {
	APIURL             string `yaml:"api_url,omitempty"`
	APIToken           string `yaml:"api_token,omitempty"`
	BusinessID         string `yaml:"business_id,omitempty"`
	Debug              bool   `yaml:"debug,omitempty"`
	GreetingText       string `yaml:"greeting_text,omitempty"`
	GreetingDelayMS    *int   `yaml:"greeting_delay_ms,omitempty"`
	HeartbeatInterval  int    `yaml:"heartbeat_interval,omitempty"`
	CaptureSampleRate  int    `yaml:"capture_sample_rate,omitempty"`
	CaptureFrameMS     int    `yaml:"capture_frame_ms,omitempty"`
	PlaybackSampleRate int    `yaml:"playback_sample_rate,omitempty"`
	RedisURL           string `yaml:"redis_url,omitempty"`
	RedisPassword      string `yaml:"redis_password,omitempty"`
	CartKey            string `yaml:"cart_key,omitempty"`
	CartTTL            int    `yaml:"cart_ttl,omitempty"`
	LogLevel           string `yaml:"log_level,omitempty"`
}

func defaults() *Config {
	return &Config{
		BusinessID:         "default",
		GreetingText:       "Hello",
		GreetingDelay:      time.Second,
		HeartbeatInterval:  30 * time.Second,
		CaptureSampleRate:  16000,
		CaptureFrame:       64 * time.Millisecond,
		PlaybackSampleRate: 24000,
		CartKey:            "local",
		CartTTL:            24 * time.Hour,
		LogLevel:           "info",
	}
}

// LoadConfig loads configuration from defaults, then the YAML file at path
// (or VOICEORDER_CONFIG when path is empty), then environment variables.
func LoadConfig(path string) (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := defaults()

	if path == "" {
		path = os.Getenv("VOICEORDER_CONFIG")
	}
	if path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.loadEnv(); err != nil {
		return nil, err
	}

	// Required: VOICE_API_URL
	if config.APIURL == "" {
		return nil, fmt.Errorf("VOICE_API_URL environment variable is required")
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	setString(&c.APIURL, f.APIURL)
	setString(&c.APIToken, f.APIToken)
	setString(&c.BusinessID, f.BusinessID)
	setString(&c.GreetingText, f.GreetingText)
	setString(&c.RedisURL, f.RedisURL)
	setString(&c.RedisPassword, f.RedisPassword)
	setString(&c.CartKey, f.CartKey)
	setString(&c.LogLevel, f.LogLevel)
	if f.Debug {
		c.Debug = true
	}
	if f.GreetingDelayMS != nil {
		c.GreetingDelay = time.Duration(*f.GreetingDelayMS) * time.Millisecond
	}
	if f.HeartbeatInterval > 0 {
		c.HeartbeatInterval = time.Duration(f.HeartbeatInterval) * time.Second
	}
	if f.CaptureSampleRate > 0 {
		c.CaptureSampleRate = f.CaptureSampleRate
	}
	if f.CaptureFrameMS > 0 {
		c.CaptureFrame = time.Duration(f.CaptureFrameMS) * time.Millisecond
	}
	if f.PlaybackSampleRate > 0 {
		c.PlaybackSampleRate = f.PlaybackSampleRate
	}
	if f.CartTTL > 0 {
		c.CartTTL = time.Duration(f.CartTTL) * time.Minute
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) loadEnv() error {
	setString(&c.APIURL, strings.TrimSpace(os.Getenv("VOICE_API_URL")))
	setString(&c.APIToken, os.Getenv("VOICE_API_TOKEN"))
	setString(&c.BusinessID, os.Getenv("BUSINESS_ID"))
	setString(&c.GreetingText, os.Getenv("GREETING_TEXT"))
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))
	setString(&c.RedisPassword, os.Getenv("REDIS_PASSWORD"))
	setString(&c.CartKey, os.Getenv("CART_KEY"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))

	// Optional: VOICE_DEBUG
	if debug := os.Getenv("VOICE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err != nil {
			return fmt.Errorf("invalid VOICE_DEBUG: %w", err)
		}
		c.Debug = d
	}

	// Optional: GREETING_DELAY_MS (negative disables the greeting)
	if delay := os.Getenv("GREETING_DELAY_MS"); delay != "" {
		d, err := strconv.Atoi(delay)
		if err != nil {
			return fmt.Errorf("invalid GREETING_DELAY_MS: %w", err)
		}
		c.GreetingDelay = time.Duration(d) * time.Millisecond
	}

	// Optional: HEARTBEAT_INTERVAL (in seconds)
	if interval := os.Getenv("HEARTBEAT_INTERVAL"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil || i <= 0 {
			return fmt.Errorf("invalid HEARTBEAT_INTERVAL: %q", interval)
		}
		c.HeartbeatInterval = time.Duration(i) * time.Second
	}

	// Optional: CAPTURE_SAMPLE_RATE
	if rate := os.Getenv("CAPTURE_SAMPLE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return fmt.Errorf("invalid CAPTURE_SAMPLE_RATE: %w", err)
		}
		c.CaptureSampleRate = r
	}

	// Optional: CAPTURE_FRAME_MS
	if frame := os.Getenv("CAPTURE_FRAME_MS"); frame != "" {
		f, err := strconv.Atoi(frame)
		if err != nil {
			return fmt.Errorf("invalid CAPTURE_FRAME_MS: %w", err)
		}
		c.CaptureFrame = time.Duration(f) * time.Millisecond
	}

	// Optional: PLAYBACK_SAMPLE_RATE
	if rate := os.Getenv("PLAYBACK_SAMPLE_RATE"); rate != "" {
		r, err := strconv.Atoi(rate)
		if err != nil {
			return fmt.Errorf("invalid PLAYBACK_SAMPLE_RATE: %w", err)
		}
		c.PlaybackSampleRate = r
	}

	// Optional: CART_TTL (in minutes)
	if ttl := os.Getenv("CART_TTL"); ttl != "" {
		t, err := strconv.Atoi(ttl)
		if err != nil {
			return fmt.Errorf("invalid CART_TTL: %w", err)
		}
		c.CartTTL = time.Duration(t) * time.Minute
	}

	if c.CaptureSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	return nil
}
