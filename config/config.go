// Package config loads the YAML configuration shared by the binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000rx-go/e1000"
)

type Config struct {
	Device struct {
		// PCI is the bus address of the controller, e.g. 0000:02:01.0.
		PCI string `yaml:"pci"`
		// UIO is the interrupt device node bound to the controller.
		UIO string `yaml:"uio"`
		// BARSize overrides the size of the BAR0 mapping. The size of the
		// resource file is used if zero.
		BARSize int `yaml:"bar-size"`
	} `yaml:"device"`

	Ring struct {
		Size        int  `yaml:"size"`
		BufferSize  int  `yaml:"buffer-size"`
		MaxPerPass  int  `yaml:"max-per-pass"`
		ActivityLED bool `yaml:"activity-led"`
	} `yaml:"ring"`

	Logging Logging `yaml:"logging"`
	Stats   Stats   `yaml:"stats"`
}

type Logging struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

type Stats struct {
	// Type is one of none, graphite or prometheus.
	Type     string        `yaml:"type"`
	Interval time.Duration `yaml:"interval"`

	// graphite
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Prefix   string `yaml:"prefix"`

	// prometheus
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// Enabled reports whether metrics are exported at all.
func (s Stats) Enabled() bool { return s.Type != "" && s.Type != "none" }

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every section except device, which only the binaries
// driving real hardware need.
func (c *Config) Validate() error {
	dc := c.DeviceConfig()
	if err := dc.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("ring: %w", err)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s",
			c.Logging.Format, []string{"text", "json"})
	}
	return c.Stats.validate()
}

// ValidateDevice checks the device section.
func (c *Config) ValidateDevice() error {
	if c.Device.PCI == "" {
		return errors.New("device.pci must be set")
	}
	if c.Device.UIO == "" {
		return errors.New("device.uio must be set")
	}
	if c.Device.BARSize < 0 {
		return errors.New("device.bar-size must not be negative")
	}
	return nil
}

func (s Stats) validate() error {
	if !s.Enabled() {
		return nil
	}
	if s.Interval <= 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %s", s.Interval)
	}
	switch s.Type {
	case "graphite":
		if s.Host == "" {
			return errors.New("stats.host can not be empty")
		}
	case "prometheus":
		if s.Listen == "" {
			return errors.New("stats.listen should not be empty")
		}
		if s.Path == "" {
			return errors.New("stats.path should not be empty")
		}
	default:
		return fmt.Errorf("stats.type was not understood: %s", s.Type)
	}
	return nil
}

// DeviceConfig returns the attach configuration of the ring section.
// Handler, queue, logger and registry are left to the caller.
func (c *Config) DeviceConfig() e1000.Config {
	return e1000.Config{
		RingSize:    c.Ring.Size,
		BufferSize:  c.Ring.BufferSize,
		MaxPerPass:  c.Ring.MaxPerPass,
		ActivityLED: c.Ring.ActivityLED,
	}
}

func parseLevel(s string) (logrus.Level, error) {
	if s == "" {
		s = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	return lvl, nil
}

// ConfigureLogger applies the logging section to l.
func ConfigureLogger(l *logrus.Logger, c Logging) error {
	lvl, err := parseLevel(c.Level)
	if err != nil {
		return err
	}
	l.SetLevel(lvl)

	timestampFormat := c.TimestampFormat
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(c.Format) {
	case "", "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", c.Format, []string{"text", "json"})
	}

	return nil
}
