package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the pipeline and the API.
type Config struct {
	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Upstream dataset sources
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Geocoder configuration (optional; gates the moved-title classification)
	Geocoder GeocoderConfig `mapstructure:"geocoder"`

	// HTTP API configuration
	API APIConfig `mapstructure:"api"`

	// Pipeline working directories and tuning
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Notification webhook (optional)
	WebhookURL string `mapstructure:"webhook_url"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
	LogDir   string `mapstructure:"log_dir"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type UpstreamConfig struct {
	// CatalogueURL is the JSON catalogue API listing monthly CCOD/OCOD files.
	CatalogueURL string `mapstructure:"catalogue_url"`
	// CatalogueKey is the bearer-style API key for the catalogue.
	CatalogueKey string `mapstructure:"catalogue_key"`
	// InspireIndexURL is the HTML page listing one archive per council.
	InspireIndexURL string `mapstructure:"inspire_index_url"`
	// BackupDest is an optional off-host rclone destination for zip archives.
	BackupDest string `mapstructure:"backup_dest"`
}

type GeocoderConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
	// SharedSecret must accompany every request as the `secret` query param.
	SharedSecret string `mapstructure:"shared_secret"`
}

type PipelineConfig struct {
	DownloadDir string `mapstructure:"download_dir"`
	GeoJSONDir  string `mapstructure:"geojson_dir"`
	AnalysisDir string `mapstructure:"analysis_dir"`
	// ManifestPath is the bbolt file tracking per-council archive state.
	ManifestPath string `mapstructure:"manifest_path"`
	// ChunkSize bounds rows per bulk database round trip.
	ChunkSize int `mapstructure:"chunk_size"`
	// MaxRowRetries bounds consecutive resumes stalled on one pending row.
	MaxRowRetries int `mapstructure:"max_row_retries"`
	// Ogr2ogrPath locates the external reprojection tool.
	Ogr2ogrPath string `mapstructure:"ogr2ogr_path"`
	// EnableMergeSegment turns on the merge/segment classification cascade.
	// Off in live runs: past the moved-title rule a mismatch is a failure.
	EnableMergeSegment bool `mapstructure:"enable_merge_segment"`
}

// Load reads configuration from the optional config file, the environment and
// defaults, in ascending precedence of environment over file over defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration with no file or environment input.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("log_dir", "logs")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("upstream.catalogue_url", "https://use-land-property-data.service.gov.uk/api/v1")
	v.SetDefault("upstream.inspire_index_url", "https://use-land-property-data.service.gov.uk/datasets/inspire/download")

	v.SetDefault("geocoder.url", "https://nominatim.openstreetmap.org/search")

	v.SetDefault("api.addr", ":8090")

	v.SetDefault("pipeline.download_dir", "downloads")
	v.SetDefault("pipeline.geojson_dir", "geojson")
	v.SetDefault("pipeline.analysis_dir", "analysis")
	v.SetDefault("pipeline.manifest_path", "downloads/manifest.db")
	v.SetDefault("pipeline.chunk_size", 10000)
	v.SetDefault("pipeline.max_row_retries", 3)
	v.SetDefault("pipeline.ogr2ogr_path", "ogr2ogr")
	v.SetDefault("pipeline.enable_merge_segment", false)
}

func bindEnv(v *viper.Viper) {
	// Secrets always come from the environment, never the config file.
	pairs := map[string]string{
		"database.dsn":               "DATABASE_DSN",
		"upstream.catalogue_key":     "GOV_API_KEY",
		"upstream.backup_dest":       "BACKUP_DEST",
		"upstream.catalogue_url":     "GOV_CATALOGUE_URL",
		"upstream.inspire_index_url": "INSPIRE_INDEX_URL",
		"geocoder.api_key":           "GEOCODER_API_KEY",
		"geocoder.url":               "GEOCODER_URL",
		"api.addr":                   "API_ADDR",
		"api.shared_secret":          "API_SHARED_SECRET",
		"webhook_url":                "NOTIFY_WEBHOOK_URL",
		"log_level":                  "LOG_LEVEL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DATABASE_DSN)")
	}
	if c.Upstream.CatalogueKey == "" {
		return fmt.Errorf("upstream.catalogue_key is required (set GOV_API_KEY)")
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be positive, got %d", c.Pipeline.ChunkSize)
	}
	return nil
}

// ValidateServe additionally checks settings the HTTP surface needs.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.API.SharedSecret == "" {
		return fmt.Errorf("api.shared_secret is required (set API_SHARED_SECRET)")
	}
	return nil
}
