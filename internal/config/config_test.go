package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfig_Validate(t *testing.T) {
	validConfig := func() BuildConfig {
		return Default().Build
	}

	tests := []struct {
		name    string
		modify  func(*BuildConfig)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			modify:  func(c *BuildConfig) {},
			wantErr: false,
		},
		{
			name:    "esnext target",
			modify:  func(c *BuildConfig) { c.Target = "esnext" },
			wantErr: false,
		},
		{
			name:    "es5 target",
			modify:  func(c *BuildConfig) { c.Target = "es5" },
			wantErr: true,
			errMsg:  "invalid target: es5",
		},
		{
			name:    "browser with minor version",
			modify:  func(c *BuildConfig) { c.Browsers = []string{"safari11.1", "ios12.2.1"} },
			wantErr: false,
		},
		{
			name:    "no browsers",
			modify:  func(c *BuildConfig) { c.Browsers = nil },
			wantErr: false,
		},
		{
			name:    "unknown browser",
			modify:  func(c *BuildConfig) { c.Browsers = []string{"netscape4"} },
			wantErr: true,
			errMsg:  `invalid browser "netscape4"`,
		},
		{
			name:    "browserslist query",
			modify:  func(c *BuildConfig) { c.Browsers = []string{"> 1%"} },
			wantErr: true,
			errMsg:  "invalid browser",
		},
		{
			name:    "zero timeout",
			modify:  func(c *BuildConfig) { c.Timeout = 0 },
			wantErr: true,
			errMsg:  "timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(&c)
			err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	c.Root = ""
	assert.EqualError(t, c.Validate(), "root cannot be empty")

	c = Default()
	c.Server.Address = ""
	assert.EqualError(t, c.Validate(), "server address cannot be empty")

	c = Default()
	c.Build.Target = "es3"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build configuration error")
}

func TestPublishConfig_Validate(t *testing.T) {
	pc := Default().Publish
	err := pc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish configuration is incomplete")

	pc.Endpoint = "s3.example.com"
	pc.AccessKey = "key"
	pc.SecretKey = "secret"
	pc.Bucket = "assets"
	assert.NoError(t, pc.Validate())
}

func TestTracingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  TracingConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:   "disabled tracing is not validated",
			config: TracingConfig{Enabled: false, SampleRate: 7},
		},
		{
			name:   "valid enabled config",
			config: TracingConfig{Enabled: true, Endpoint: "localhost:4317", SampleRate: 0.5},
		},
		{
			name:    "enabled without endpoint",
			config:  TracingConfig{Enabled: true},
			wantErr: true,
			errMsg:  "tracing endpoint is required",
		},
		{
			name:    "sample rate too high",
			config:  TracingConfig{Enabled: true, Endpoint: "localhost:4317", SampleRate: 1.5},
			wantErr: true,
			errMsg:  "sample_rate must be between 0.0 and 1.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseBrowser(t *testing.T) {
	engine, version, err := ParseBrowser("safari11.1")
	require.NoError(t, err)
	assert.Equal(t, "safari", engine)
	assert.Equal(t, "11.1", version)

	_, _, err = ParseBrowser("safari")
	assert.Error(t, err)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	file := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
root: /srv/project
build:
  target: es2020
  browsers: [firefox60]
  minify: true
server:
  address: ":9000"
`), 0600))

	t.Setenv("ASSETPIPE_BUILD_SOURCEMAP", "true")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "/srv/project", cfg.Root)
	assert.Equal(t, "es2020", cfg.Build.Target)
	assert.Equal(t, []string{"firefox60"}, cfg.Build.Browsers)
	assert.True(t, cfg.Build.Minify)
	assert.True(t, cfg.Build.Sourcemap)
	assert.Equal(t, 2*time.Minute, cfg.Build.Timeout)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "static", cfg.Publish.Prefix)
}

func TestLoad_InvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("build:\n  target: es3\n"), 0600))

	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
