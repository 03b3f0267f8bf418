// Package config loads assetpipe settings from a settings file, .env files and
// ASSETPIPE_* environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the assetpipe settings
type Config struct {
	// Root is the project directory every application directory lives in
	Root    string        `mapstructure:"root" json:"root" yaml:"root"`
	Build   BuildConfig   `mapstructure:"build" json:"build" yaml:"build"`
	Server  ServerConfig  `mapstructure:"server" json:"server" yaml:"server"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	Publish PublishConfig `mapstructure:"publish" json:"publish" yaml:"publish"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
	Debug   bool          `mapstructure:"debug" json:"debug" yaml:"debug"`
}

// BuildConfig contains the settings handed to esbuild
type BuildConfig struct {
	// Target is the JavaScript language level scripts are transpiled to (es2015 ... esnext)
	Target string `mapstructure:"target" json:"target" yaml:"target"`

	// Browsers lists the engines stylesheets are vendor-prefixed for, e.g. "safari11"
	Browsers []string `mapstructure:"browsers" json:"browsers" yaml:"browsers"`

	Minify    bool          `mapstructure:"minify" json:"minify" yaml:"minify"`
	Sourcemap bool          `mapstructure:"sourcemap" json:"sourcemap" yaml:"sourcemap"`
	SassPath  string        `mapstructure:"sass_path" json:"sass_path" yaml:"sass_path"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// ServerConfig contains the development server settings
type ServerConfig struct {
	Address string `mapstructure:"address" json:"address" yaml:"address"`
}

// MetricsConfig controls the build metrics export
type MetricsConfig struct {
	// File receives the metrics in the Prometheus textfile format after each build
	File string `mapstructure:"file" json:"file" yaml:"file"`
}

// TracingConfig controls the OpenTelemetry export of build and request spans
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName string  `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	Environment string  `mapstructure:"environment" json:"environment" yaml:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" json:"sample_rate" yaml:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure" json:"insecure" yaml:"insecure"`
}

// PublishConfig contains the S3-compatible bucket bundles are published to
type PublishConfig struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" json:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key" yaml:"secret_key"`
	Region    string `mapstructure:"region" json:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" json:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" json:"prefix" yaml:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl" json:"use_ssl" yaml:"use_ssl"`
}

// ValidTargets lists the accepted build.target values
var ValidTargets = []string{
	"es2015", "es2016", "es2017", "es2018", "es2019", "es2020",
	"es2021", "es2022", "es2023", "es2024", "esnext",
}

var browserPattern = regexp.MustCompile(`^(chrome|edge|firefox|ie|ios|node|opera|safari)(\d+(?:\.\d+){0,2})$`)

// Load loads settings from configFile (or assetpipe-settings.yaml in the usual
// places when empty), .env files and the environment.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("assetpipe-settings")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ASSETPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("No settings file found, using environment variables and defaults")
	} else {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("Settings file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from the first .env file found
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Debug().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("root", ".")

	viper.SetDefault("build.target", "es2015")
	viper.SetDefault("build.browsers", []string{"chrome58", "edge16", "firefox57", "safari11"})
	viper.SetDefault("build.minify", false)
	viper.SetDefault("build.sourcemap", false)
	viper.SetDefault("build.sass_path", "")
	viper.SetDefault("build.timeout", "2m")

	viper.SetDefault("server.address", "127.0.0.1:8081")

	viper.SetDefault("metrics.file", "")

	viper.SetDefault("publish.region", "us-east-1")
	viper.SetDefault("publish.prefix", "static")
	viper.SetDefault("publish.use_ssl", true)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("tracing.service_name", "assetpipe")
	viper.SetDefault("tracing.environment", "development")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.insecure", true)

	viper.SetDefault("debug", false)
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	return &Config{
		Root: ".",
		Build: BuildConfig{
			Target:   "es2015",
			Browsers: []string{"chrome58", "edge16", "firefox57", "safari11"},
			Timeout:  2 * time.Minute,
		},
		Server: ServerConfig{Address: "127.0.0.1:8081"},
		Publish: PublishConfig{
			Region: "us-east-1",
			Prefix: "static",
			UseSSL: true,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "assetpipe",
			Environment: "development",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root cannot be empty")
	}
	if err := c.Build.Validate(); err != nil {
		return fmt.Errorf("build configuration error: %w", err)
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing configuration error: %w", err)
	}
	return nil
}

// Validate validates the tracing settings; disabled tracing is always valid
func (tc *TracingConfig) Validate() error {
	if !tc.Enabled {
		return nil
	}
	if tc.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	if tc.SampleRate < 0 || tc.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0")
	}
	return nil
}

// Validate validates the build settings
func (bc *BuildConfig) Validate() error {
	valid := false
	for _, t := range ValidTargets {
		if bc.Target == t {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid target: %s (must be one of: %v)", bc.Target, ValidTargets)
	}

	for _, b := range bc.Browsers {
		if !browserPattern.MatchString(b) {
			return fmt.Errorf("invalid browser %q (expected <engine><version>, e.g. safari11)", b)
		}
	}

	if bc.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Validate validates the publish settings; it is only called before publishing
func (pc *PublishConfig) Validate() error {
	if pc.Endpoint == "" || pc.AccessKey == "" || pc.SecretKey == "" || pc.Bucket == "" {
		return fmt.Errorf("publish configuration is incomplete (endpoint, access_key, secret_key and bucket are required)")
	}
	return nil
}

// ParseBrowser splits a browser spec such as "safari11" into engine and version
func ParseBrowser(spec string) (engine, version string, err error) {
	m := browserPattern.FindStringSubmatch(spec)
	if m == nil {
		return "", "", fmt.Errorf("invalid browser %q", spec)
	}
	return m[1], m[2], nil
}
