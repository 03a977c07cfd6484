// Package config loads the driverd configuration file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvListen         = "EXECSTREAM_SOCKET"
	EnvDefaultTimeout = "EXECSTREAM_DEFAULT_TIMEOUT"
)

// Duration decodes TOML strings such as "3s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	// Listen is a unix socket path ("unix:/path" or an absolute path) or a
	// TCP host:port.
	Listen   string              `toml:"listen"`
	Features []string            `toml:"features"`
	Metadata map[string]string   `toml:"metadata"`
	Exec     ExecConfig          `toml:"exec"`
	Log      LogConfig           `toml:"log"`
	Profiles map[string][]string `toml:"profiles"`
}

type ExecConfig struct {
	DefaultDir       string   `toml:"default_dir"`
	DefaultTimeout   Duration `toml:"default_timeout"`
	TerminationGrace Duration `toml:"termination_grace"`
	PollInterval     Duration `toml:"poll_interval"`
	MaxConcurrency   int      `toml:"max_concurrency"`
	AllowedBinaries  []string `toml:"allowed_binaries"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Listen:   "unix:/var/run/driverd/execstream.grpc",
		Features: []string{"stream", "stop", "profiles"},
		Exec: ExecConfig{
			DefaultTimeout:   Duration{300 * time.Second},
			TerminationGrace: Duration{3 * time.Second},
			PollInterval:     Duration{100 * time.Millisecond},
			MaxConcurrency:   4,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path yields the defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return Config{}, fmt.Errorf("load config: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDefaultTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvDefaultTimeout, err)
		}
		c.Exec.DefaultTimeout = Duration{d}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Exec.DefaultTimeout.Duration < 0 {
		return fmt.Errorf("exec.default_timeout must not be negative")
	}
	if c.Exec.TerminationGrace.Duration < 0 {
		return fmt.Errorf("exec.termination_grace must not be negative")
	}
	if c.Exec.PollInterval.Duration < 0 {
		return fmt.Errorf("exec.poll_interval must not be negative")
	}
	if c.Exec.MaxConcurrency < 0 {
		return fmt.Errorf("exec.max_concurrency must not be negative")
	}
	if c.Exec.DefaultDir != "" {
		fi, err := os.Stat(c.Exec.DefaultDir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("exec.default_dir %q is not a directory", c.Exec.DefaultDir)
		}
	}
	for name, argv := range c.Profiles {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("profile %q: empty command", name)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("log.format %q: want json or console", c.Log.Format)
	}
	return nil
}

// Network splits Listen into a net.Listen network and address.
func (c Config) Network() (network, address string) {
	l := strings.TrimSpace(c.Listen)
	if rest, ok := strings.CutPrefix(l, "unix:"); ok {
		return "unix", rest
	}
	if strings.HasPrefix(l, "/") {
		return "unix", l
	}
	return "tcp", l
}
