// Package config loads the bridge configuration from YAML, a .env file and
// environment overrides, and applies partial JSON updates at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gpsbridge/internal/link"
	"github.com/shaunagostinho/gpsbridge/internal/transport"
)

// DefaultPath is where the service looks for its config file.
const DefaultPath = "/etc/gpsbridge/config.yaml"

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	GPS      GPSConfig      `yaml:"gps" json:"gps"`
	Link     link.Config    `yaml:"link" json:"link"`
	Track    TrackConfig    `yaml:"track" json:"track"`
	Trip     TripConfig     `yaml:"trip" json:"trip"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Settings SettingsConfig `yaml:"settings" json:"settings"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GPSConfig struct {
	Transport string                 `yaml:"transport" json:"transport"` // "rfcomm", "serial" or "demo"
	Device    string                 `yaml:"device" json:"device"`       // BT address or port path; seeds the settings store
	Bluetooth transport.RFCOMMConfig `yaml:"bluetooth" json:"bluetooth"`
	Serial    transport.SerialConfig `yaml:"serial" json:"serial"`
	AutoStart bool                   `yaml:"auto_start" json:"autoStart"` // Enable the provider at startup
}

// TrackConfig controls the CSV track log.
type TrackConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"` // ms between rows
}

// TripConfig controls the trip meter.
type TripConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	MinSpeedMS float64 `yaml:"min_speed_ms" json:"minSpeedMs"` // Ignore fixes slower than this
	MaxJumpM   float64 `yaml:"max_jump_m" json:"maxJumpM"`     // Drop glitches larger than this
	SaveEveryS int     `yaml:"save_every_s" json:"saveEveryS"` // Persist interval
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id" json:"clientId"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         byte   `yaml:"qos" json:"qos"`
	PublishNMEA bool   `yaml:"publish_nmea" json:"publishNmea"`
}

type SettingsConfig struct {
	Path string `yaml:"path" json:"path"` // SQLite file
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"` // debug, info, warn, error
	Development bool   `yaml:"development" json:"development"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Transport: "rfcomm",
			Bluetooth: transport.RFCOMMConfig{Adapter: "hci0", Channel: 1},
			Serial:    transport.SerialConfig{BaudRate: 9600},
			AutoStart: true,
		},
		Link: link.DefaultConfig(),
		Track: TrackConfig{
			Enabled:    false,
			Path:       "/var/log/gpsbridge",
			IntervalMs: 1000,
		},
		Trip: TripConfig{
			Enabled:    true,
			MinSpeedMS: 0.5,
			MaxJumpM:   500,
			SaveEveryS: 30,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "gpsbridge",
			TopicPrefix: "gpsbridge",
			QoS:         0,
			PublishNMEA: false,
		},
		Settings: SettingsConfig{Path: "/var/lib/gpsbridge/settings.db"},
		Log:      LogConfig{Level: "info"},
		Server:   ServerConfig{ListenAddr: ":8080"},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("config: no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("config: parse failed, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config: loaded", zap.String("path", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		if loadEnvFile(ep) {
			log.Info("config: loaded .env", zap.String("path", ep))
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GPS_TRANSPORT, GPS_DEVICE, BT_CHANNEL, BT_ADAPTER, SERIAL_BAUD,
// LISTEN_ADDR, MQTT_BROKER, MQTT_ENABLED, TRACK_ENABLED, TRACK_PATH,
// SETTINGS_DB, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TRANSPORT"); v != "" {
		c.GPS.Transport = v
	}
	if v := os.Getenv("GPS_DEVICE"); v != "" {
		c.GPS.Device = v
	}
	if v := os.Getenv("BT_CHANNEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.Bluetooth.Channel = n
		}
	}
	if v := os.Getenv("BT_ADAPTER"); v != "" {
		c.GPS.Bluetooth.Adapter = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = truthy(v)
	}
	if v := os.Getenv("TRACK_ENABLED"); v != "" {
		c.Track.Enabled = truthy(v)
	}
	if v := os.Getenv("TRACK_PATH"); v != "" {
		c.Track.Path = v
	}
	if v := os.Getenv("SETTINGS_DB"); v != "" {
		c.Settings.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// GPSTransport returns the configured transport name.
func (c *Config) GPSTransport() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.GPS.Transport
}

// TrackEnabled reports whether the track log is switched on.
func (c *Config) TrackEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Track.Enabled
}

// ListenAddress returns the HTTP listen address.
func (c *Config) ListenAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(c.path), err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// Logger builds the process logger described by c.
func (c LogConfig) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", c.Level, err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}
