package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// SPIConfig selects the SPI port (/dev/spidev<Bus>.<ChipSelect>) and clock.
type SPIConfig struct {
	Bus        int   `yaml:"bus" json:"bus"`
	ChipSelect int   `yaml:"chip_select" json:"chip_select"`
	SpeedHz    int64 `yaml:"speed_hz" json:"speed_hz"`
}

// PinsConfig holds periph gpioreg names of the control lines.
type PinsConfig struct {
	Reset string `yaml:"reset" json:"reset"`
	DC    string `yaml:"dc" json:"dc"`
	// CS is optional. When empty the SPI controller's own chip-enable line
	// frames every transfer.
	CS   string `yaml:"cs" json:"cs"`
	Busy string `yaml:"busy" json:"busy"`
}

// BusyConfig bounds the busy-line polling loop.
type BusyConfig struct {
	PollMs       int `yaml:"poll_ms" json:"poll_ms"`
	TimeoutPolls int `yaml:"timeout_polls" json:"timeout_polls"`
}

// SourceConfig describes where the finished frame comes from.
type SourceConfig struct {
	// Kind is "file" (default) or "chromium".
	Kind string `yaml:"kind" json:"kind"`
	// Path of the image written by the external renderer (kind=file).
	Path string `yaml:"path" json:"path"`
	// URL of the page to screenshot (kind=chromium).
	URL        string `yaml:"url" json:"url"`
	TimeoutSec int    `yaml:"timeout_sec" json:"timeout_sec"`
	// MaxAgeSec rejects a file older than this many seconds (kind=file).
	// Zero accepts any age.
	MaxAgeSec int `yaml:"max_age_sec,omitempty" json:"max_age_sec,omitempty"`
}

// BatteryConfig locates a PiSugar 3 UPS on the I2C bus.
type BatteryConfig struct {
	// Bus is the periph i2creg name; empty selects the first bus.
	Bus  string `yaml:"bus" json:"bus"`
	Addr uint16 `yaml:"addr" json:"addr"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the diagnostic server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Panel is the profile name, e.g. "epd4in01f".
	Panel string `yaml:"panel" json:"panel"`

	SPI  SPIConfig  `yaml:"spi" json:"spi"`
	Pins PinsConfig `yaml:"pins" json:"pins"`
	Busy BusyConfig `yaml:"busy" json:"busy"`

	// RefreshCron is a cron-style schedule string (e.g. "@every 10m").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// PreviewPath receives a PNG of the last frame pushed to the panel.
	// Empty disables the dump.
	PreviewPath string `yaml:"preview_path" json:"preview_path"`

	// Dither enables error-diffusion dithering before quantization.
	Dither bool `yaml:"dither" json:"dither"`

	Source SourceConfig `yaml:"source" json:"source"`

	// Listen is the HTTP listen address of the diagnostic server. Empty
	// disables it.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// Battery, if non-nil, enables battery monitoring over I2C.
	Battery *BatteryConfig `yaml:"battery,omitempty" json:"battery,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

const (
	defaultPanel       = "epd4in01f"
	defaultSpeedHz     = 4_000_000
	defaultRefreshCron = "@every 10m"
	defaultPreviewPath = "/var/lib/infocal/latest.png"
	defaultFramePath   = "/var/lib/infocal/frame.png"
	defaultPollMs      = 100
	defaultPolls       = 50
	defaultTimeoutSec  = 30
)

// DefaultConfig returns an in-memory default configuration matching the
// Waveshare HAT wiring (BCM numbering).
func DefaultConfig() *Config {
	return &Config{
		Panel: defaultPanel,
		SPI: SPIConfig{
			Bus:        0,
			ChipSelect: 0,
			SpeedHz:    defaultSpeedHz,
		},
		Pins: PinsConfig{
			Reset: "GPIO17",
			DC:    "GPIO25",
			CS:    "",
			Busy:  "GPIO24",
		},
		Busy: BusyConfig{
			PollMs:       defaultPollMs,
			TimeoutPolls: defaultPolls,
		},
		RefreshCron: defaultRefreshCron,
		PreviewPath: defaultPreviewPath,
		Source: SourceConfig{
			Kind:       "file",
			Path:       defaultFramePath,
			TimeoutSec: defaultTimeoutSec,
		},
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Panel == "" {
		c.Panel = defaultPanel
	}
	if c.SPI.SpeedHz <= 0 {
		c.SPI.SpeedHz = defaultSpeedHz
	}
	if c.SPI.Bus < 0 {
		c.SPI.Bus = 0
	}
	if c.SPI.ChipSelect < 0 {
		c.SPI.ChipSelect = 0
	}
	if c.Pins.Reset == "" {
		c.Pins.Reset = "GPIO17"
	}
	if c.Pins.DC == "" {
		c.Pins.DC = "GPIO25"
	}
	if c.Pins.Busy == "" {
		c.Pins.Busy = "GPIO24"
	}
	if c.Busy.PollMs <= 0 {
		c.Busy.PollMs = defaultPollMs
	}
	if c.Busy.TimeoutPolls <= 0 {
		c.Busy.TimeoutPolls = defaultPolls
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	switch c.Source.Kind {
	case "file", "chromium":
		// ok
	default:
		// Unknown value; fall back to file to avoid launching a browser
		// nobody asked for.
		c.Source.Kind = "file"
	}
	if c.Source.Kind == "file" && c.Source.Path == "" {
		c.Source.Path = defaultFramePath
	}
	if c.Source.TimeoutSec <= 0 {
		c.Source.TimeoutSec = defaultTimeoutSec
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".infocal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
