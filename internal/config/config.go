package config

import (
	"fmt"
	"strings"
	"time"

	"camcast/native/internal/domain"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	ServerURI string `env:"CAMCAST_SERVER_URI" envDefault:"ws://localhost:8080/publish"`
	PrefsFile string `env:"CAMCAST_PREFS_FILE" envDefault:"camcast.yaml"`

	VideoSource  string        `env:"CAMCAST_VIDEO_SOURCE" envDefault:"-"`
	RotationFile string        `env:"CAMCAST_ROTATION_FILE"`
	RotationPoll time.Duration `env:"CAMCAST_ROTATION_POLL" envDefault:"500ms"`

	Video Video

	ICEServers    []string `env:"CAMCAST_ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	ICEUsername   string   `env:"CAMCAST_ICE_USERNAME"`
	ICECredential string   `env:"CAMCAST_ICE_CREDENTIAL"`

	StartTimeout time.Duration `env:"CAMCAST_START_TIMEOUT" envDefault:"0s"`
	StopTimeout  time.Duration `env:"CAMCAST_STOP_TIMEOUT" envDefault:"5s"`

	LogLevel string `env:"CAMCAST_LOG_LEVEL" envDefault:"info"`
	LogDir   string `env:"CAMCAST_LOG_DIR"`
}

// Video holds encoder parameters handed to the publisher.
type Video struct {
	Width   int `env:"CAMCAST_VIDEO_WIDTH" envDefault:"1920"`
	Height  int `env:"CAMCAST_VIDEO_HEIGHT" envDefault:"1080"`
	FPS     int `env:"CAMCAST_VIDEO_FPS" envDefault:"25"`
	Bitrate int `env:"CAMCAST_VIDEO_BITRATE" envDefault:"2500000"`
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := ValidateServerURI(c.ServerURI); err != nil {
		return fmt.Errorf("CAMCAST_SERVER_URI: %w", err)
	}
	if c.Video.FPS <= 0 {
		return fmt.Errorf("CAMCAST_VIDEO_FPS must be positive, got %d", c.Video.FPS)
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("invalid video resolution %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.RotationPoll <= 0 {
		return fmt.Errorf("CAMCAST_ROTATION_POLL must be positive, got %s", c.RotationPoll)
	}
	if c.StartTimeout < 0 {
		return fmt.Errorf("CAMCAST_START_TIMEOUT must not be negative, got %s", c.StartTimeout)
	}
	return nil
}

// ICE returns the configured STUN/TURN servers. Credentials apply to
// turn: and turns: entries only.
func (c *Config) ICE() []domain.ICEServer {
	var servers []domain.ICEServer
	for _, u := range c.ICEServers {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		s := domain.ICEServer{URL: u}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = c.ICEUsername
			s.Credential = c.ICECredential
		}
		servers = append(servers, s)
	}
	return servers
}
