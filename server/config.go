package server

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Config is the runnerd configuration file.
//
//	listen_addr  = "127.0.0.1:8080"
//	exec_timeout = "30s"
//
//	driver "docker" {
//	  image       = "python:3.11-slim"
//	  interpreter = ["python"]
//	}
type Config struct {
	ListenAddr  string        `hcl:"listen_addr,optional"`
	ExecTimeout string        `hcl:"exec_timeout,optional"`
	ReadLimit   int64         `hcl:"read_limit,optional"`
	Driver      *DriverConfig `hcl:"driver,block"`
}

type DriverConfig struct {
	Kind        string   `hcl:"kind,label"`
	Image       string   `hcl:"image,optional"`
	Interpreter []string `hcl:"interpreter,optional"`
	Dir         string   `hcl:"dir,optional"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:  "127.0.0.1:8080",
		ExecTimeout: "30s",
		ReadLimit:   defaultReadLimit,
		Driver:      &DriverConfig{Kind: "local"},
	}
}

// LoadConfig reads and parses the HCL file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses HCL config bytes. Unset attributes keep their defaults.
func ParseConfig(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var parsed Config
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}

	cfg := DefaultConfig()
	if parsed.ListenAddr != "" {
		cfg.ListenAddr = parsed.ListenAddr
	}
	if parsed.ExecTimeout != "" {
		cfg.ExecTimeout = parsed.ExecTimeout
	}
	if parsed.ReadLimit != 0 {
		cfg.ReadLimit = parsed.ReadLimit
	}
	if parsed.Driver != nil {
		cfg.Driver = parsed.Driver
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if _, err := c.ExecTimeoutDuration(); err != nil {
		return err
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("read_limit must be positive, got %d", c.ReadLimit)
	}
	if c.Driver == nil {
		return fmt.Errorf("no driver configured")
	}
	switch c.Driver.Kind {
	case "local", "docker":
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver.Kind)
	}
	return nil
}

// ExecTimeoutDuration parses ExecTimeout. Zero disables the timeout.
func (c *Config) ExecTimeoutDuration() (time.Duration, error) {
	if c.ExecTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ExecTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing exec_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("exec_timeout must not be negative, got %s", d)
	}
	return d, nil
}
