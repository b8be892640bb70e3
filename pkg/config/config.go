package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config describes all configuration options
type Config struct {
	Prefix        string   `default:"/opt/cellar" usage:"Install prefix shared by all recipes"`
	Recipes       string   `default:"recipes" usage:"Directory containing recipe files (*.yml, *.yaml, *.star)"`
	WorkDir       string   `usage:"Scratch directory for fetched sources (defaults to the system temp dir)"`
	Cache         string   `usage:"Directory for cached Starlark parse results (empty disables the cache)"`
	Jobs          int      `default:"1" usage:"Number of independent recipes to build in parallel"`
	AssumePresent []string `usage:"Dependencies that are satisfied outside of cellar (* matches everything)"`
	Log           struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Fetch struct {
		Timeout  time.Duration `default:"30m" usage:"Timeout for a single download"`
		Retries  int           `default:"3" usage:"Attempts for downloads failing with transient network errors"`
		Backoff  time.Duration `default:"2s" usage:"Delay before the first retry, doubled for every further retry"`
		Progress bool          `default:"true" usage:"Show download progress bars"`
		Git      string        `default:"git" usage:"git executable used for head checkouts"`
	}
	S3 struct {
		Endpoint string `usage:"S3 compatible endpoint for s3:// source URLs (i.e. minio.example.com:9000)"`
		Region   string
		Secure   bool `default:"true" usage:"Use TLS to connect to the S3 endpoint"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object.
// Files lists the config files to read; a missing file is not an error.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	if len(files) == 0 {
		files = []string{"cellar.toml"}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "CELLAR",
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration from the given files and the environment and validates it
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.Prefix == "" {
		return eris.New("Invalid value for prefix: must not be empty")
	}

	if cfg.Jobs < 1 {
		return eris.Errorf("Invalid value for jobs: %d (must be at least 1)", cfg.Jobs)
	}

	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf("Invalid value for log.level: %s", cfg.Log.Level)
	}

	if cfg.Fetch.Retries < 1 {
		return eris.Errorf("Invalid value for fetch.retries: %d (must be at least 1)", cfg.Fetch.Retries)
	}

	if cfg.Fetch.Timeout <= 0 {
		return eris.Errorf("Invalid value for fetch.timeout: %s", cfg.Fetch.Timeout)
	}

	if cfg.Fetch.Backoff < 0 {
		return eris.Errorf("Invalid value for fetch.backoff: %s", cfg.Fetch.Backoff)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// ScratchDir returns the root for per-recipe work directories
func (cfg *Config) ScratchDir() string {
	if cfg.WorkDir != "" {
		return cfg.WorkDir
	}

	return filepath.Join(os.TempDir(), "cellar")
}

// ReceiptsPath returns the location of the receipts database inside the prefix
func (cfg *Config) ReceiptsPath() string {
	return filepath.Join(cfg.Prefix, ".cellar", "receipts.db")
}
