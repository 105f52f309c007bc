package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	GPS       GPSConfig       `yaml:"gps"`
	SUPL      SUPLConfig      `yaml:"supl"`
	Companion CompanionConfig `yaml:"companion"`
	Timing    TimingConfig    `yaml:"timing"`
	Power     PowerConfig     `yaml:"power"`
	Web       WebConfig       `yaml:"web"`
	NATS      NATSConfig      `yaml:"nats"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

type DeviceConfig struct {
	// Ctrl is the AT control channel. Nodes under /dev/ttyA are treated as
	// serial ports; anything else is opened as a plain character device.
	Ctrl string `yaml:"ctrl"`
	NMEA string `yaml:"nmea"`
	Baud int    `yaml:"baud"`
}

type GPSConfig struct {
	// PrefMode is one of SUPL, PGPS or STANDALONE.
	PrefMode string `yaml:"pref_mode"`
	Interval int    `yaml:"interval"`
}

type SUPLConfig struct {
	EnableNI    bool   `yaml:"enable_ni"`
	AllowUncert bool   `yaml:"allow_uncert"`
	Server      string `yaml:"server"`
}

type CompanionConfig struct {
	Socket             string `yaml:"socket"`
	RequestInfoOnReady bool   `yaml:"request_info_on_ready"`
	// Command, when set, is started and kept running as the helper that
	// connects to Socket.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type TimingConfig struct {
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
	ReadyPollStep     time.Duration `yaml:"ready_poll_step"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	OpenRetry         time.Duration `yaml:"open_retry"`
	ATTimeout         time.Duration `yaml:"at_timeout"`
	ClearDelay        time.Duration `yaml:"clear_delay"`
	NMEASettle        time.Duration `yaml:"nmea_settle"`
}

type PowerConfig struct {
	ResetGPIO  int           `yaml:"reset_gpio"`
	ResetPulse time.Duration `yaml:"reset_pulse"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

type RelayConfig struct {
	Dest string `yaml:"dest"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultCtrlDevice = "/dev/bus/usb/002/049"
	DefaultNMEADevice = "/dev/ttyACM2"
	DefaultSocket     = "/data/data/mbmservice"
)

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes and applies defaults. An empty document yields a
// fully defaulted config.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.Device.Ctrl) == "" {
		cfg.Device.Ctrl = DefaultCtrlDevice
	}
	if strings.TrimSpace(cfg.Device.NMEA) == "" {
		cfg.Device.NMEA = DefaultNMEADevice
	}
	if cfg.Device.Baud == 0 {
		cfg.Device.Baud = 115200
	}
	if cfg.Device.Baud < 0 {
		return Config{}, fmt.Errorf("device.baud must be > 0")
	}

	cfg.GPS.PrefMode = strings.ToUpper(strings.TrimSpace(cfg.GPS.PrefMode))
	switch cfg.GPS.PrefMode {
	case "":
		cfg.GPS.PrefMode = "PGPS"
	case "SUPL", "PGPS", "STANDALONE":
	default:
		return Config{}, fmt.Errorf("gps.pref_mode must be one of SUPL, PGPS, STANDALONE")
	}
	if cfg.GPS.Interval == 0 {
		cfg.GPS.Interval = 2
	}
	if cfg.GPS.Interval < 0 {
		return Config{}, fmt.Errorf("gps.interval must be >= 0")
	}

	if strings.TrimSpace(cfg.Companion.Socket) == "" {
		cfg.Companion.Socket = DefaultSocket
	}

	t := &cfg.Timing
	if t.ReadyPollInterval <= 0 {
		t.ReadyPollInterval = 1 * time.Second
	}
	if t.ReadyPollStep <= 0 {
		t.ReadyPollStep = 200 * time.Millisecond
	}
	if t.ReadyTimeout <= 0 {
		t.ReadyTimeout = 10 * time.Second
	}
	if t.ReadyPollStep > t.ReadyPollInterval {
		return Config{}, fmt.Errorf("timing.ready_poll_step must not exceed timing.ready_poll_interval")
	}
	if t.OpenRetry <= 0 {
		t.OpenRetry = 1 * time.Second
	}
	if t.ATTimeout <= 0 {
		t.ATTimeout = 180 * time.Second
	}
	if t.ClearDelay < 0 {
		return Config{}, fmt.Errorf("timing.clear_delay must be >= 0")
	}
	if t.ClearDelay == 0 {
		t.ClearDelay = 10 * time.Second
	}
	if t.NMEASettle <= 0 {
		t.NMEASettle = 1 * time.Second
	}

	if cfg.Power.ResetGPIO < 0 {
		return Config{}, fmt.Errorf("power.reset_gpio must be >= 0")
	}
	if cfg.Power.ResetPulse <= 0 {
		cfg.Power.ResetPulse = 500 * time.Millisecond
	}

	if strings.TrimSpace(cfg.NATS.SubjectPrefix) == "" {
		cfg.NATS.SubjectPrefix = "mbmgps"
	}
	if cfg.NATS.ReconnectWait <= 0 {
		cfg.NATS.ReconnectWait = 2 * time.Second
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = -1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return cfg, nil
}
