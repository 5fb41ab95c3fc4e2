package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stockpipeline/internal/archive"
	"stockpipeline/internal/logger"
	"stockpipeline/internal/model"
	"stockpipeline/internal/store"
	"stockpipeline/internal/tushare"
)

// DateLayout is the YYYYMMDD format of trade dates and date flags.
const DateLayout = "20060102"

// DefaultStartDate is the first trade date requested when none is given.
const DefaultStartDate = "20200101"

// now is replaced in tests.
var now = time.Now

// Config holds all configuration for one pipeline run.
type Config struct {
	// Upstream API
	Token       string        `mapstructure:"tushare_token"`
	BaseURL     string        `mapstructure:"tushare_base_url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	// Files
	DataDir            string `mapstructure:"data_dir"`
	OutputDir          string `mapstructure:"output_dir"`
	InstrumentsPattern string `mapstructure:"instruments_pattern"`
	Snapshot           string `mapstructure:"snapshot"`

	// Fetch phase
	StartDate     string        `mapstructure:"start_date"`
	EndDate       string        `mapstructure:"end_date"`
	Cycle         string        `mapstructure:"cycle"`
	FetchWorkers  int           `mapstructure:"fetch_workers"`
	FetchInterval time.Duration `mapstructure:"fetch_interval"`
	FetchRetries  int           `mapstructure:"fetch_retries"`

	// Load phase
	LoadWorkers int `mapstructure:"load_workers"`
	BatchSize   int `mapstructure:"batch_size"`

	SkipFetch bool `mapstructure:"skip_fetch"`
	SkipLoad  bool `mapstructure:"skip_load"`

	DB      store.Config   `mapstructure:"db"`
	Log     logger.Config  `mapstructure:"log"`
	Archive archive.Config `mapstructure:"archive"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required configuration: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid configuration: "+strings.Join(e.Invalid, "; "))
	}
	return strings.Join(parts, "; ")
}

// envBindings maps configuration keys to their environment variables.
var envBindings = map[string]string{
	"tushare_token":       "TUSHARE_TOKEN",
	"tushare_base_url":    "TUSHARE_BASE_URL",
	"http_timeout":        "HTTP_TIMEOUT",
	"data_dir":            "DATA_DIR",
	"output_dir":          "OUTPUT_DIR",
	"instruments_pattern": "INSTRUMENTS_PATTERN",
	"cycle":               "CYCLE",
	"fetch_workers":       "FETCH_WORKERS",
	"fetch_interval":      "FETCH_INTERVAL",
	"fetch_retries":       "FETCH_RETRIES",
	"load_workers":        "LOAD_WORKERS",
	"batch_size":          "BATCH_SIZE",

	"db.driver":          "DB_DRIVER",
	"db.host":            "DB_HOST",
	"db.port":            "DB_PORT",
	"db.user":            "DB_USER",
	"db.password":        "DB_PASSWORD",
	"db.name":            "DB_NAME",
	"db.path":            "DB_PATH",
	"db.connect_timeout": "DB_CONNECT_TIMEOUT",
	"db.max_attempts":    "DB_MAX_ATTEMPTS",

	"log.level":  "LOG_LEVEL",
	"log.format": "LOG_FORMAT",
	"log.output": "LOG_OUTPUT",
	"log.file":   "LOG_FILE",

	"archive.endpoint":   "ARCHIVE_ENDPOINT",
	"archive.bucket":     "ARCHIVE_BUCKET",
	"archive.access_key": "ARCHIVE_ACCESS_KEY",
	"archive.secret_key": "ARCHIVE_SECRET_KEY",
	"archive.prefix":     "ARCHIVE_PREFIX",
	"archive.region":     "ARCHIVE_REGION",
	"archive.secure":     "ARCHIVE_SECURE",
}

// Load reads configuration from flags, environment variables and an optional
// config file, in that order of precedence.
//
// Flags: --start-date, --end-date, --skip-fetch, --skip-load, --snapshot and
// --config. See envBindings for the environment variables. TUSHARE_TOKEN is
// required unless the fetch phase is skipped.
//
// It returns pflag.ErrHelp when help was requested.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("stockpipeline", pflag.ContinueOnError)
	fs.String("start-date", DefaultStartDate, "first trade date to fetch (YYYYMMDD)")
	fs.String("end-date", "", "last trade date to fetch (YYYYMMDD, default today)")
	fs.Bool("skip-fetch", false, "skip the fetch phase and load an existing snapshot")
	fs.Bool("skip-load", false, "skip the load phase")
	fs.String("snapshot", "", "snapshot file to load (default: the one for --end-date)")
	configFile := fs.String("config", "", "path to a config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.stockpipeline")

		// Read config file (ignore if not found)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	for key, flag := range map[string]string{
		"start_date": "start-date",
		"end_date":   "end-date",
		"skip_fetch": "skip-fetch",
		"skip_load":  "skip-load",
		"snapshot":   "snapshot",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.EndDate == "" {
		cfg.EndDate = now().Format(DateLayout)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tushare_base_url", tushare.DefaultBaseURL)
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("data_dir", ".")
	v.SetDefault("output_dir", ".")
	v.SetDefault("instruments_pattern", "stock_basic_*.csv")
	v.SetDefault("start_date", DefaultStartDate)
	v.SetDefault("end_date", "")
	v.SetDefault("cycle", string(model.CycleDaily))
	v.SetDefault("fetch_workers", 4)
	v.SetDefault("fetch_interval", 1500*time.Millisecond)
	v.SetDefault("fetch_retries", 3)
	v.SetDefault("load_workers", 4)
	v.SetDefault("batch_size", 100_000)

	// Local development database; no credential is defaulted.
	v.SetDefault("db.driver", store.DriverMySQL)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 3306)
	v.SetDefault("db.user", "root")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "instockdb")
	v.SetDefault("db.path", "stock.db")
	v.SetDefault("db.connect_timeout", 10*time.Second)
	v.SetDefault("db.max_attempts", 5)
	v.SetDefault("db.base_delay", 5*time.Second)
	v.SetDefault("db.max_jitter", 3*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file", "logs/stockpipeline.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.secure", false)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	verr := &ValidationError{}
	invalid := func(format string, args ...any) {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf(format, args...))
	}

	if c.SkipFetch && c.SkipLoad {
		invalid("--skip-fetch and --skip-load leave nothing to do")
	}

	if !c.SkipFetch {
		if strings.TrimSpace(c.Token) == "" {
			verr.Missing = append(verr.Missing, "TUSHARE_TOKEN")
		}
		start, errStart := time.Parse(DateLayout, c.StartDate)
		if errStart != nil {
			invalid("start date %q is not YYYYMMDD", c.StartDate)
		}
		end, errEnd := time.Parse(DateLayout, c.EndDate)
		if errEnd != nil {
			invalid("end date %q is not YYYYMMDD", c.EndDate)
		}
		if errStart == nil && errEnd == nil && start.After(end) {
			invalid("start date %s is after end date %s", c.StartDate, c.EndDate)
		}
		if _, err := model.ParseCycle(c.Cycle); err != nil {
			invalid("%v", err)
		}
		if c.FetchWorkers < 1 {
			invalid("FETCH_WORKERS must be at least 1")
		}
		if c.FetchRetries < 0 {
			invalid("FETCH_RETRIES must not be negative")
		}
		if c.FetchInterval < 0 {
			invalid("FETCH_INTERVAL must not be negative")
		}
	} else if c.Snapshot == "" {
		if _, err := time.Parse(DateLayout, c.EndDate); err != nil {
			invalid("end date %q is not YYYYMMDD", c.EndDate)
		}
	}

	if !c.SkipLoad {
		if _, err := store.LookupDialect(c.DB.Driver); err != nil {
			invalid("%v", err)
		}
		if c.LoadWorkers < 1 {
			invalid("LOAD_WORKERS must be at least 1")
		}
		if c.BatchSize < 1 {
			invalid("BATCH_SIZE must be at least 1")
		}
		if c.DB.MaxAttempts < 1 {
			invalid("DB_MAX_ATTEMPTS must be at least 1")
		}
	}

	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return verr
	}
	return nil
}
