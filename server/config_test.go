package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
listen_addr  = "0.0.0.0:9000"
exec_timeout = "5s"

driver "docker" {
  image       = "python:3.12-slim"
  interpreter = ["python", "-u"]
}
`), "runnerd.hcl")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	timeout, err := cfg.ExecTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)
	assert.Equal(t, int64(defaultReadLimit), cfg.ReadLimit)
	assert.Equal(t, "docker", cfg.Driver.Kind)
	assert.Equal(t, "python:3.12-slim", cfg.Driver.Image)
	assert.Equal(t, []string{"python", "-u"}, cfg.Driver.Interpreter)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""), "runnerd.hcl")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name   string
		hcl    string
		errMsg string
	}{
		{name: "syntax", hcl: `listen_addr = `, errMsg: "HCL parse error"},
		{name: "unknown attribute", hcl: `port = 8080`, errMsg: "HCL decode error"},
		{name: "bad timeout", hcl: `exec_timeout = "soon"`, errMsg: "parsing exec_timeout"},
		{name: "negative timeout", hcl: `exec_timeout = "-1s"`, errMsg: "must not be negative"},
		{name: "unknown driver", hcl: `driver "vm" {}`, errMsg: `unsupported driver "vm"`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(c.hcl), "runnerd.hcl")
			assert.ErrorContains(t, err, c.errMsg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runnerd.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`exec_timeout = "0s"`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	timeout, err := cfg.ExecTimeoutDuration()
	require.NoError(t, err)
	assert.Zero(t, timeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.ErrorContains(t, err, "reading config")
}
