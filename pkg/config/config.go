// Package config loads engine configuration from YAML with sane
// defaults for every knob.
package config

import (
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/skeindb/skein/pkg/errs"
)

// Duration decodes YAML values like "500ms" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return errs.Validationf("duration must be a string like \"500ms\"")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errs.Validationf("invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard duration type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	// DatabasePath locates the SQLite file. The tables in it are a
	// rebuildable cache over DataDir.
	DatabasePath string `yaml:"database_path"`
	// DataDir is the durable dataset directory. Empty disables
	// bootstrap loading and the post-import export.
	DataDir string `yaml:"data_dir"`
	// OntologyPath locates the YAML ontology the schema is compiled
	// from.
	OntologyPath string `yaml:"ontology_path"`

	Chunk struct {
		Size    int `yaml:"size"`
		Overlap int `yaml:"overlap"`
	} `yaml:"chunk"`

	Search struct {
		Alpha float64 `yaml:"alpha"`
		RRFK  int     `yaml:"rrf_k"`
		Limit int     `yaml:"limit"`
	} `yaml:"search"`

	Import struct {
		MaxRowsPerFile  int           `yaml:"max_rows_per_file"`
		EmbedWorkers    int           `yaml:"embed_workers"`
		EmbedRetries    int           `yaml:"embed_retries"`
		EmbedRetryDelay Duration      `yaml:"embed_retry_delay"`
	} `yaml:"import"`

	Cache struct {
		// MaxAge is the garbage-collection cutoff for memo entries.
		MaxAge Duration `yaml:"max_age"`
	} `yaml:"cache"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.DatabasePath = "skein.db"
	cfg.Chunk.Size = 800
	cfg.Chunk.Overlap = 100
	cfg.Search.Alpha = 0.7
	cfg.Search.RRFK = 60
	cfg.Search.Limit = 10
	cfg.Import.MaxRowsPerFile = 10000
	cfg.Import.EmbedWorkers = 4
	cfg.Import.EmbedRetries = 3
	cfg.Import.EmbedRetryDelay = Duration(500 * time.Millisecond)
	cfg.Cache.MaxAge = Duration(30 * 24 * time.Hour)
	cfg.Log.Level = "info"
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap("config", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap("config", errs.Validationf("malformed config: %v", err))
	}
	return cfg, nil
}

// Logger builds the zap logger described by the Log section.
func (c *Config) Logger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if c.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, errs.Wrap("config", errs.Validationf("invalid log level %q", c.Log.Level))
	}
	zcfg.Level = level
	return zcfg.Build()
}
