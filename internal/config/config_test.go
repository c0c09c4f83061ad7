package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voteraction/rollimport-worker/internal/rollparser"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/voters")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, QueueBackendRedis, cfg.QueueBackend)
	assert.Equal(t, "voterroll:jobs", cfg.QueueName)
	assert.Equal(t, 256, cfg.FingerprintDimensions)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, 9, cfg.MinEPICLength)
	assert.True(t, cfg.DeleteAfterImport)
	assert.Equal(t, 5*time.Minute, cfg.Timeout())
	assert.Equal(t, 30*time.Minute, cfg.StuckAfter())
	assert.Empty(t, cfg.QdrantURL)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/voters")
	t.Setenv("QUEUE_BACKEND", "ASYNQ")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("DELETE_AFTER_IMPORT", "false")
	t.Setenv("MIN_EPIC_LENGTH", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, QueueBackendAsynq, cfg.QueueBackend)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.False(t, cfg.DeleteAfterImport)
	assert.Equal(t, 9, cfg.MinEPICLength)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:           "postgres://x",
			RedisURL:              "redis://x",
			QueueBackend:          QueueBackendRedis,
			QueueName:             "q",
			FingerprintDimensions: 256,
			WorkerConcurrency:     2,
			MaxFileSize:           1 << 20,
			ProcessingTimeout:     60000,
			StuckJobAfter:         30,
			MinEPICLength:         9,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"bad backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"tiny fingerprint", func(c *Config) { c.FingerprintDimensions = 8 }, "FINGERPRINT_DIMENSIONS"},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"short timeout", func(c *Config) { c.ProcessingTimeout = 10 }, "PROCESSING_TIMEOUT"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "MAX_RETRIES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()
	require.NoError(t, p.Validate())

	opts := p.ParserOptions()
	assert.Equal(t, []int{40, 90}, opts.Layout.Thresholds)
	assert.False(t, opts.DetectHeaders)
	assert.Empty(t, opts.NoiseMarkers)
	assert.Len(t, p.OCR.Columns, 3)
	assert.Equal(t, []string{"hin", "eng"}, p.OCR.Languages)
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "up.yaml")
	doc := `
name: up-panchayat
columns:
  thresholds: [35, 80]
noise_markers:
  - "निर्वाचक नामावली"
defaults:
  village: Rampur
detect_headers: true
ocr:
  dpi: 200
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, "up-panchayat", p.Name)
	assert.Equal(t, 200, p.OCR.DPI)
	assert.Equal(t, 3509, p.OCR.PageHeight)
	assert.Len(t, p.OCR.Columns, 3)

	opts := p.ParserOptions()
	assert.Equal(t, rollparser.ColumnLayout{Thresholds: []int{35, 80}}, opts.Layout)
	assert.Equal(t, "Rampur", opts.Defaults.Village)
	assert.Equal(t, "", opts.Defaults.Area)
	assert.True(t, opts.DetectHeaders)
	assert.Equal(t, []string{"निर्वाचक नामावली"}, opts.NoiseMarkers)
}

func TestLoadProfileRejectsBadGeometry(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"decreasing.yaml": "columns:\n  thresholds: [90, 40]\n",
		"no-crops.yaml":   "ocr:\n  columns: []\n",
		"bad-crop.yaml":   "ocr:\n  columns:\n    - {x: 0, width: 0}\n",
		"broken.yaml":     "columns: [",
	}

	for name, doc := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
		_, err := LoadProfile(path)
		assert.Error(t, err, name)
	}

	_, err := LoadProfile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
