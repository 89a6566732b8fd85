// Package config loads btserial settings from a YAML file, then applies
// BTSERIAL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"bluetooth-serial/internal/logger"
)

// Transport names.
const (
	TransportBlueZ  = "bluez"
	TransportRFCOMM = "rfcomm"
)

const (
	sppUUID        = "00001101-0000-1000-8000-00805f9b34fb"
	defaultChannel = 22
)

// Config holds everything the CLI needs to build a session.
type Config struct {
	// Transport selects how RFCOMM links are made: "bluez" registers D-Bus
	// profiles, "rfcomm" uses raw sockets on Channel.
	Transport string `yaml:"transport"`

	// Adapter restricts BlueZ lookups to one controller (e.g. "hci0").
	Adapter string `yaml:"adapter"`

	ServiceUUID string `yaml:"service_uuid"`
	ServiceName string `yaml:"service_name"`

	// Channel is the RFCOMM channel, 1..30.
	Channel int `yaml:"channel"`

	// StorePath is the SQLite file remembering known devices.
	StorePath string `yaml:"store_path"`

	// HTTPAddr serves /events, /metrics and /status. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`

	Logging logger.Config `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport:   TransportBlueZ,
		ServiceUUID: sppUUID,
		ServiceName: "btserial",
		Channel:     defaultChannel,
		StorePath:   defaultStorePath(),
		Logging:     logger.DefaultConfig(),
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".btserial", "devices.db")
	}
	return filepath.Join(dir, "btserial", "devices.db")
}

// Load reads path over the defaults. A missing file is not an error, and an
// empty path skips the file entirely. Environment overrides are applied last
// and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BTSERIAL_TRANSPORT":     &c.Transport,
		"BTSERIAL_ADAPTER":       &c.Adapter,
		"BTSERIAL_SERVICE_UUID":  &c.ServiceUUID,
		"BTSERIAL_SERVICE_NAME":  &c.ServiceName,
		"BTSERIAL_STORE_PATH":    &c.StorePath,
		"BTSERIAL_HTTP_ADDR":     &c.HTTPAddr,
		"BTSERIAL_LOG_LEVEL":     &c.Logging.Level,
		"BTSERIAL_LOG_FORMAT":    &c.Logging.ConsoleFormat,
		"BTSERIAL_LOG_FILE_PATH": &c.Logging.FilePath,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup("BTSERIAL_CHANNEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: BTSERIAL_CHANNEL: %w", err)
		}
		c.Channel = n
	}
	if v, ok := lookup("BTSERIAL_LOG_FILE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: BTSERIAL_LOG_FILE_ENABLED: %w", err)
		}
		c.Logging.FileEnabled = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportBlueZ, TransportRFCOMM:
	default:
		return fmt.Errorf("config: unknown transport %q (want %s or %s)", c.Transport, TransportBlueZ, TransportRFCOMM)
	}
	id, err := uuid.Parse(c.ServiceUUID)
	if err != nil {
		return fmt.Errorf("config: service_uuid: %w", err)
	}
	c.ServiceUUID = id.String()
	if c.Channel < 1 || c.Channel > 30 {
		return fmt.Errorf("config: channel %d out of range 1..30", c.Channel)
	}
	if c.StorePath == "" {
		return errors.New("config: store_path is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
