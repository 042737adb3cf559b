package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "./runner.yaml"

type RateLimit struct {
	PermitLimit int           `yaml:"permit_limit"`
	Window      time.Duration `yaml:"window"`
}

type Config struct {
	Port            string        `yaml:"port"`
	GRPCPort        string        `yaml:"grpc_port"`
	LogLevel        string        `yaml:"log_level"`
	MaxJobs         int           `yaml:"max_jobs"`
	Retention       time.Duration `yaml:"retention"`
	Timeout         time.Duration `yaml:"timeout"`
	OutputDir       string        `yaml:"output_dir"`
	Interpreter     string        `yaml:"interpreter"`
	ScriptExtension string        `yaml:"script_extension"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
}

func Default() *Config {
	return &Config{
		Port:            "8080",
		GRPCPort:        "8081",
		LogLevel:        "info",
		MaxJobs:         100,
		Retention:       60 * time.Minute,
		Timeout:         30 * time.Minute,
		OutputDir:       "task-outputs",
		Interpreter:     "pwsh -NoProfile -NonInteractive -ExecutionPolicy Bypass -File",
		ScriptExtension: ".ps1",
		RateLimit: RateLimit{
			PermitLimit: 100,
			Window:      time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment, later sources taking precedence. An empty path falls back to
// $CONFIG_FILE or ./runner.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getEnv("CONFIG_FILE", defaultConfigFile)
	}
	if err := loadFile(path, cfg); err != nil {
		return nil, errors.Wrap(err, "loading config file")
	}
	if err := applyEnv(cfg); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// defaults and environment are enough
			return nil
		}
		return errors.Wrapf(err, "reading %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.GRPCPort = getEnv("GRPC_PORT", cfg.GRPCPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.OutputDir = getEnv("OUTPUT_DIR", cfg.OutputDir)
	cfg.Interpreter = getEnv("INTERPRETER", cfg.Interpreter)
	cfg.ScriptExtension = getEnv("SCRIPT_EXTENSION", cfg.ScriptExtension)

	var err error
	if cfg.MaxJobs, err = getEnvInt("MAX_JOBS", cfg.MaxJobs); err != nil {
		return err
	}
	if cfg.RateLimit.PermitLimit, err = getEnvInt("RATE_LIMIT_PERMITS", cfg.RateLimit.PermitLimit); err != nil {
		return err
	}
	if cfg.Retention, err = getEnvDuration("COMPLETED_JOB_RETENTION", cfg.Retention); err != nil {
		return err
	}
	if cfg.Timeout, err = getEnvDuration("JOB_TIMEOUT", cfg.Timeout); err != nil {
		return err
	}
	if cfg.RateLimit.Window, err = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window); err != nil {
		return err
	}
	return nil
}

// Validate reports the first invalid option.
func (c *Config) Validate() error {
	switch {
	case c.MaxJobs <= 0:
		return errors.WithHint(errors.Newf("max_jobs must be positive, got %d", c.MaxJobs), "set max_jobs or MAX_JOBS")
	case c.Retention <= 0:
		return errors.WithHint(errors.Newf("retention must be positive, got %s", c.Retention), "use a duration such as 60m")
	case c.Timeout <= 0:
		return errors.WithHint(errors.Newf("timeout must be positive, got %s", c.Timeout), "use a duration such as 30m")
	case strings.TrimSpace(c.OutputDir) == "":
		return errors.New("output_dir must not be empty")
	case !strings.HasPrefix(c.ScriptExtension, "."):
		return errors.WithHint(errors.Newf("script_extension %q must start with a dot", c.ScriptExtension), "for example .ps1")
	case c.RateLimit.PermitLimit > 0 && c.RateLimit.Window <= 0:
		return errors.New("rate_limit.window must be positive when rate limiting is enabled")
	}
	if _, err := c.InterpreterArgs(); err != nil {
		return err
	}
	return nil
}

// InterpreterArgs splits the interpreter command line using shell quoting rules.
func (c *Config) InterpreterArgs() ([]string, error) {
	args, err := shellquote.Split(c.Interpreter)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing interpreter %q", c.Interpreter)
	}
	if len(args) == 0 {
		return nil, errors.WithHint(errors.New("interpreter must not be empty"), "for example: pwsh -File")
	}
	return args, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return d, nil
}
