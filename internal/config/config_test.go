package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"), zaptest.NewLogger(t))
	if cfg.GPS.Transport != "rfcomm" || cfg.Link.MaxAttempts != 5 || cfg.Link.AttemptTimeout != 13*time.Second {
		t.Fatalf("defaults not applied: %+v %+v", cfg.GPS, cfg.Link)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("listen=%q", cfg.Server.ListenAddr)
	}
}

func TestLoadConfig_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
gps:
  transport: serial
  device: /dev/rfcomm0
  serial:
    baud_rate: 4800
link:
  attempt_timeout: 5s
  max_attempts: 3
mqtt:
  topic_prefix: car/gps
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERIAL_BAUD", "38400")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadConfig(path, zaptest.NewLogger(t))
	if cfg.GPS.Transport != "serial" || cfg.GPS.Device != "/dev/rfcomm0" {
		t.Fatalf("gps=%+v", cfg.GPS)
	}
	if cfg.GPS.Serial.BaudRate != 38400 {
		t.Fatalf("env override lost: baud=%d", cfg.GPS.Serial.BaudRate)
	}
	if cfg.Link.AttemptTimeout != 5*time.Second || cfg.Link.MaxAttempts != 3 {
		t.Fatalf("link=%+v", cfg.Link)
	}
	if cfg.Link.RetryDelay != time.Second {
		t.Fatalf("unset link field lost its default: %+v", cfg.Link)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.TopicPrefix != "car/gps" || cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Fatalf("mqtt=%+v", cfg.MQTT)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log=%+v", cfg.Log)
	}
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	// Registers cleanup; loadEnvFile only fills variables that are unset.
	t.Setenv("GPS_DEVICE", "")
	t.Setenv("BT_CHANNEL", "")
	env := "# receiver\nGPS_DEVICE=\"00:11:22:33:44:55\"\nBT_CHANNEL=3\nbogus line\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := LoadConfig(filepath.Join(dir, "config.yaml"), zaptest.NewLogger(t))
	if cfg.GPS.Device != "00:11:22:33:44:55" || cfg.GPS.Bluetooth.Channel != 3 {
		t.Fatalf("gps=%+v", cfg.GPS)
	}
}

func TestUpdateFromJSON_DeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte(`{"track":{"enabled":true},"gps":{"bluetooth":{"channel":2}}}`)); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}
	if !cfg.Track.Enabled || cfg.Track.Path != "/var/log/gpsbridge" {
		t.Fatalf("track=%+v", cfg.Track)
	}
	if cfg.GPS.Bluetooth.Channel != 2 || cfg.GPS.Bluetooth.Adapter != "hci0" {
		t.Fatalf("bluetooth=%+v", cfg.GPS.Bluetooth)
	}
	if cfg.Link.AttemptTimeout != 13*time.Second {
		t.Fatalf("untouched section changed: %+v", cfg.Link)
	}
	if err := cfg.UpdateFromJSON([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for bad JSON")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := LoadConfig(path, zaptest.NewLogger(t))
	cfg.GPS.Device = "AA:BB:CC:DD:EE:FF"
	cfg.Link.RetryDelay = 2 * time.Second
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again := LoadConfig(path, zaptest.NewLogger(t))
	if again.GPS.Device != "AA:BB:CC:DD:EE:FF" || again.Link.RetryDelay != 2*time.Second {
		t.Fatalf("reloaded gps=%+v link=%+v", again.GPS, again.Link)
	}
}

func TestLogConfig_Logger(t *testing.T) {
	if _, err := (LogConfig{Level: "loud"}).Logger(); err == nil {
		t.Fatalf("expected error for bad level")
	}
	log, err := (LogConfig{Level: "warn", Development: true}).Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatalf("debug enabled at warn level")
	}
}

func TestConfig_LockedGetters(t *testing.T) {
	cfg := DefaultConfig()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			cfg.UpdateFromJSON([]byte(`{"gps":{"transport":"serial"},"track":{"enabled":true}}`))
		}
	}()
	for i := 0; i < 100; i++ {
		cfg.GPSTransport()
		cfg.TrackEnabled()
	}
	<-done
	if cfg.GPSTransport() != "serial" || !cfg.TrackEnabled() {
		t.Fatalf("transport=%q track=%v", cfg.GPSTransport(), cfg.TrackEnabled())
	}
}
