// Package config loads the daemon configuration once at process start.
// Values come from built-in defaults, an optional YAML file and
// environment overrides, in that order. No hot reload.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// AdminPhone identifies the administrator allowed to log in to the
	// dashboard.
	AdminPhone string `yaml:"admin_phone"`

	// AdminPasswordHash is the bcrypt hash of the dashboard password.
	AdminPasswordHash string `yaml:"admin_password_hash"`

	// SecretKey signs dashboard session cookies. Generated at startup
	// when unset, which invalidates dashboard logins across restarts.
	SecretKey string `yaml:"secret_key"`

	// Port is the dashboard HTTP port.
	Port int `yaml:"port"`

	// SessionFile is where the session artifact is persisted.
	SessionFile string `yaml:"session_file"`

	// BrowserPath overrides the browser executable.
	BrowserPath string `yaml:"browser_path"`

	// DriverPath overrides the playwright driver directory.
	DriverPath string `yaml:"driver_path"`

	// Headless controls browser visibility.
	Headless bool `yaml:"headless"`

	// BotCommand is the messaging process and its arguments.
	BotCommand []string `yaml:"bot_command"`

	// ScanTimeout bounds the wait for a QR scan.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// QRWait bounds a single wait for the QR code to render.
	QRWait time.Duration `yaml:"qr_wait"`

	// ProbeTimeout bounds the session validation probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// HealthInterval paces the supervisor health check.
	HealthInterval time.Duration `yaml:"health_interval"`

	// RestartCap and RestartWindow bound automatic restarts.
	RestartCap    int           `yaml:"restart_cap"`
	RestartWindow time.Duration `yaml:"restart_window"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           8000,
		Headless:       true,
		ScanTimeout:    120 * time.Second,
		QRWait:         15 * time.Second,
		ProbeTimeout:   60 * time.Second,
		HealthInterval: 30 * time.Second,
		RestartCap:     5,
		RestartWindow:  10 * time.Minute,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides. PORT is honored as a fallback
// for platform deploys.
func applyEnv(cfg *Config) {
	setString(&cfg.AdminPhone, "WALINK_ADMIN_PHONE")
	setString(&cfg.AdminPasswordHash, "WALINK_ADMIN_PASSWORD_HASH")
	setString(&cfg.SecretKey, "WALINK_SECRET_KEY")
	setString(&cfg.SessionFile, "WALINK_SESSION_FILE")
	setString(&cfg.BrowserPath, "WALINK_BROWSER_PATH")
	setString(&cfg.DriverPath, "WALINK_DRIVER_PATH")

	setInt(&cfg.Port, "PORT")
	setInt(&cfg.Port, "WALINK_PORT")
	setInt(&cfg.RestartCap, "WALINK_RESTART_CAP")

	setBool(&cfg.Headless, "WALINK_HEADLESS")

	setDuration(&cfg.ScanTimeout, "WALINK_SCAN_TIMEOUT")
	setDuration(&cfg.QRWait, "WALINK_QR_WAIT")
	setDuration(&cfg.ProbeTimeout, "WALINK_PROBE_TIMEOUT")
	setDuration(&cfg.HealthInterval, "WALINK_HEALTH_INTERVAL")
	setDuration(&cfg.RestartWindow, "WALINK_RESTART_WINDOW")

	if v := os.Getenv("WALINK_BOT_COMMAND"); v != "" {
		cfg.BotCommand = strings.Fields(v)
	}
}

func (c *Config) validate() error {
	if c.AdminPhone == "" {
		return fmt.Errorf("admin phone is required (WALINK_ADMIN_PHONE)")
	}
	if c.AdminPasswordHash == "" {
		return fmt.Errorf("admin password hash is required (WALINK_ADMIN_PASSWORD_HASH)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SecretKey == "" {
		key, err := generateSecret()
		if err != nil {
			return err
		}
		c.SecretKey = key
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
