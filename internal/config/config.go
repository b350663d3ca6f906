package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/heetch/confita"
	"github.com/heetch/confita/backend"
	"github.com/heetch/confita/backend/env"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every key before the environment is consulted,
// so "push-url" is read from OMPROG_LOKI_PUSH_URL.
const envPrefix = "omprog-loki-"

const configFileEnv = "OMPROG_LOKI_CONFIG_FILE"

type Config struct {
	PushURL            string        `config:"push-url" yaml:"push-url"`
	ConfirmMessages    bool          `config:"confirm-messages" yaml:"confirm-messages"`
	PushTimeout        time.Duration `config:"push-timeout" yaml:"push-timeout"`
	TenantID           string        `config:"tenant-id" yaml:"tenant-id"`
	Username           string        `config:"username" yaml:"username"`
	Password           string        `config:"password" yaml:"password"`
	BearerToken        string        `config:"bearer-token" yaml:"bearer-token"`
	InsecureSkipVerify bool          `config:"insecure-skip-verify" yaml:"insecure-skip-verify"`
	Compression        string        `config:"compression" yaml:"compression"`
	MaxLineSize        string        `config:"max-line-size" yaml:"max-line-size"`
	Input              string        `config:"input" yaml:"input"`
	Follow             bool          `config:"follow" yaml:"follow"`
	LogLevel           string        `config:"log-level" yaml:"log-level"`
	LogFormat          string        `config:"log-format" yaml:"log-format"`
	DebugFile          string        `config:"debug-file" yaml:"debug-file"`
	MetricsAddr        string        `config:"metrics-addr" yaml:"metrics-addr"`
}

func Default() *Config {
	return &Config{
		PushURL:         "http://localhost:3100/api/prom/push",
		ConfirmMessages: true,
		PushTimeout:     10 * time.Second,
		Input:           "-",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds the configuration from, lowest priority first: defaults, the
// optional config file, OMPROG_LOKI_* environment variables, command-line flags.
func Load(ctx context.Context, args []string) (*Config, error) {
	cfg := Default()

	fs := newFlagSet(cfg)
	configFile := fs.String("config-file", os.Getenv(configFileEnv), "YAML or JSON file with configuration")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	// file and environment are loaded over the flag values, so remember
	// which flags were given and put them back afterwards
	overrides := make(map[string]string)
	fs.Visit(func(f *pflag.Flag) {
		overrides[f.Name] = f.Value.String()
	})

	if *configFile != "" {
		if err := loadFile(*configFile, cfg); err != nil {
			return nil, err
		}
	}

	if err := confita.NewLoader(envBackend()).Load(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	for name, value := range overrides {
		if err := fs.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to apply flag --%s: %w", name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func envBackend() backend.Backend {
	b := env.NewBackend()
	return backend.Func("env", func(ctx context.Context, key string) ([]byte, error) {
		return b.Get(ctx, envPrefix+key)
	})
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("omprog-loki", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.PushURL, "push-url", cfg.PushURL, "Loki push endpoint")
	fs.BoolVar(&cfg.ConfirmMessages, "confirm-messages", cfg.ConfirmMessages, "answer every line on stdout (omprog confirmMessages=\"on\")")
	fs.DurationVar(&cfg.PushTimeout, "push-timeout", cfg.PushTimeout, "timeout of a single push request")
	fs.StringVar(&cfg.TenantID, "tenant-id", cfg.TenantID, "value of the X-Scope-OrgID header")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "basic auth user")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "basic auth password")
	fs.StringVar(&cfg.BearerToken, "bearer-token", cfg.BearerToken, "bearer token for the Authorization header")
	fs.BoolVar(&cfg.InsecureSkipVerify, "insecure-skip-verify", cfg.InsecureSkipVerify, "do not verify the Loki TLS certificate")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "request body compression: none or gzip")
	fs.StringVar(&cfg.MaxLineSize, "max-line-size", cfg.MaxLineSize, "discard data lines longer than this, e.g. 256KB (0 = no limit)")
	fs.StringVar(&cfg.Input, "input", cfg.Input, "file to read instead of stdin (- = stdin)")
	fs.BoolVar(&cfg.Follow, "follow", cfg.Follow, "keep reading the input file as it grows")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "diagnostic log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "diagnostic log format: text or json")
	fs.StringVar(&cfg.DebugFile, "debug-file", cfg.DebugFile, "write diagnostics to this file (rotated daily) instead of stderr")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")

	return fs
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.PushURL)
	if err != nil {
		return fmt.Errorf("invalid push-url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid push-url %q: need an http or https URL", c.PushURL)
	}
	if c.PushTimeout < 0 {
		return errors.New("push-timeout may not be negative")
	}
	switch c.Compression {
	case "", "none", "gzip":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	if _, err := c.MaxLineSizeBytes(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log-format %q", c.LogFormat)
	}
	if c.Username != "" && c.Password == "" {
		return errors.New("username needs a password")
	}
	if c.Username != "" && c.BearerToken != "" {
		return errors.New("use either basic auth or a bearer token, not both")
	}
	if c.Input == "" {
		return errors.New("input may not be empty, use - for stdin")
	}
	return nil
}

func (c *Config) MaxLineSizeBytes() (int, error) {
	if c.MaxLineSize == "" {
		return 0, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.MaxLineSize)); err != nil {
		return 0, fmt.Errorf("invalid max-line-size %q: %w", c.MaxLineSize, err)
	}
	return int(size.Bytes()), nil
}

func (c *Config) Gzip() bool {
	return c.Compression == "gzip"
}

func (c *Config) ReadsStdin() bool {
	return c.Input == "-"
}
