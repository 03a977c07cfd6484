package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driverd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvListen, "")
	t.Setenv(EnvDefaultTimeout, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 300*time.Second, cfg.Exec.DefaultTimeout.Duration)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvListen, "")
	t.Setenv(EnvDefaultTimeout, "")
	dir := t.TempDir()

	path := writeConfig(t, `
listen = "127.0.0.1:7070"
features = ["stream"]

[metadata]
impl = "exec"

[exec]
default_dir = "`+dir+`"
default_timeout = "90s"
termination_grace = "500ms"
max_concurrency = 8
allowed_binaries = ["mvn", "npm"]

[log]
level = "debug"
format = "console"

[profiles]
build = ["mvn", "-q", "package"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.Listen)
	assert.Equal(t, []string{"stream"}, cfg.Features)
	assert.Equal(t, map[string]string{"impl": "exec"}, cfg.Metadata)
	assert.Equal(t, dir, cfg.Exec.DefaultDir)
	assert.Equal(t, 90*time.Second, cfg.Exec.DefaultTimeout.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Exec.TerminationGrace.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Exec.PollInterval.Duration, "unset keys keep defaults")
	assert.Equal(t, 8, cfg.Exec.MaxConcurrency)
	assert.Equal(t, []string{"mvn", "npm"}, cfg.Exec.AllowedBinaries)
	assert.Equal(t, LogConfig{Level: "debug", Format: "console"}, cfg.Log)
	assert.Equal(t, []string{"mvn", "-q", "package"}, cfg.Profiles["build"])

	network, addr := cfg.Network()
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "127.0.0.1:7070", addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvListen, "/tmp/exec.sock")
	t.Setenv(EnvDefaultTimeout, "15s")

	cfg, err := Load(writeConfig(t, `listen = "unix:/ignored.sock"`))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.Exec.DefaultTimeout.Duration)

	network, addr := cfg.Network()
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/tmp/exec.sock", addr)

	t.Setenv(EnvDefaultTimeout, "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, EnvDefaultTimeout)
}

func TestLoadRejects(t *testing.T) {
	t.Setenv(EnvListen, "")
	t.Setenv(EnvDefaultTimeout, "")

	cases := map[string]string{
		"unknown key":     `listn = "x"`,
		"bad duration":    "[exec]\ndefault_timeout = \"forever\"",
		"negative grace":  "[exec]\ntermination_grace = \"-1s\"",
		"missing dir":     "[exec]\ndefault_dir = \"/definitely/not/here\"",
		"empty profile":   "[profiles]\nbroken = []",
		"bad log format":  "[log]\nformat = \"xml\"",
		"negative limit":  "[exec]\nmax_concurrency = -2",
		"not toml at all": "listen = ",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestNetwork(t *testing.T) {
	for listen, want := range map[string][2]string{
		"unix:/run/x.sock": {"unix", "/run/x.sock"},
		"/run/y.sock":      {"unix", "/run/y.sock"},
		":9000":            {"tcp", ":9000"},
	} {
		n, a := Config{Listen: listen}.Network()
		assert.Equal(t, want, [2]string{n, a}, listen)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv(EnvListen, "")
	t.Setenv(EnvDefaultTimeout, "")

	cfg, err := Load(filepath.Join("..", "..", "configs", "driverd.toml"))
	require.NoError(t, err)
	assert.Contains(t, cfg.Profiles, "maven-test")
	assert.Equal(t, 3*time.Second, cfg.Exec.TerminationGrace.Duration)
}
