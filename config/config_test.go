package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000rx-go/e1000"
)

const sample = `
device:
  pci: "0000:02:01.0"
  uio: /dev/uio0
ring:
  size: 32
  buffer-size: 1024
  max-per-pass: 8
  activity-led: true
logging:
  level: debug
  format: json
stats:
  type: prometheus
  interval: 10s
  listen: 127.0.0.1:9100
  path: /metrics
  namespace: e1000rx
`

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "e1000rx.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sample), 0o600))

	c, err := Load(p)
	require.NoError(t, err)
	require.NoError(t, c.ValidateDevice())

	assert.Equal(t, "0000:02:01.0", c.Device.PCI)
	assert.Equal(t, "/dev/uio0", c.Device.UIO)
	assert.Equal(t, 10*time.Second, c.Stats.Interval)
	assert.True(t, c.Stats.Enabled())
	assert.Equal(t, e1000.Config{
		RingSize:    32,
		BufferSize:  1024,
		MaxPerPass:  8,
		ActivityLED: true,
	}, c.DeviceConfig())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.False(t, c.Stats.Enabled())
	assert.Error(t, c.ValidateDevice())
}

func TestParse_Invalid(t *testing.T) {
	for _, doc := range []string{
		"ring: {size: 1}",
		"ring: {buffer-size: 1500}",
		"logging: {level: loud}",
		"logging: {format: xml}",
		"stats: {type: statsd, interval: 1s}",
		"stats: {type: graphite}",
		"stats: {type: graphite, interval: 1s}",
		"stats: {type: prometheus, interval: 1s, listen: ':9100'}",
		"unknown: 1",
		"ring: [",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestConfigureLogger(t *testing.T) {
	l := logrus.New()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	require.NoError(t, ConfigureLogger(l, Logging{Level: "WARN", Format: "json", DisableTimestamp: true}))
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())

	l.Info("dropped")
	l.Warn("kept")
	assert.Equal(t, "{\"level\":\"warning\",\"msg\":\"kept\"}\n", buf.String())

	require.NoError(t, ConfigureLogger(l, Logging{}))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	assert.Error(t, ConfigureLogger(l, Logging{Level: "loud"}))
	assert.Error(t, ConfigureLogger(l, Logging{Format: "xml"}))
}
