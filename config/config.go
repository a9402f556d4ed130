// Package config loads replbridge settings from a TOML or YAML file.
//
// Values missing from the file keep their defaults. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/replbridge/internal/files"
	"github.com/guseggert/replbridge/protocol"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked for when no path is given.
const FileName = "replbridge.toml"

type Config struct {
	// ListenAddr accepts front-end connections over raw TCP.
	ListenAddr string
	// HTTPAddr serves /heartbeat, /status and WebSocket sessions on /session.
	HTTPAddr string
	// DialAddr makes the agent connect out to a waiting front-end instead of listening.
	DialAddr string

	Backend      string
	Locale       string
	LaunchFile   string
	EnableAttach bool
	Settings     map[string]string

	Encoding    string
	IdleTimeout time.Duration
	GracePeriod time.Duration

	LogLevel string
	// TLSDir holds certs written by "replbridge certs". Empty disables TLS.
	TLSDir string

	Registry Registry
}

// Registry configures publication in etcd. No endpoints disables it.
type Registry struct {
	Endpoints []string
	Service   string
}

func Default() Config {
	return Config{
		Backend:     "standard",
		Encoding:    "utf-8",
		IdleTimeout: 10 * time.Second,
		GracePeriod: 2 * time.Second,
		LogLevel:    "info",
		Registry:    Registry{Service: "replbridge"},
	}
}

// fileConfig mirrors Config with durations as strings, so both formats accept values like "1m30s".
type fileConfig struct {
	ListenAddr   string            `toml:"listen_addr" yaml:"listen_addr"`
	HTTPAddr     string            `toml:"http_addr" yaml:"http_addr"`
	DialAddr     string            `toml:"dial_addr" yaml:"dial_addr"`
	Backend      string            `toml:"backend" yaml:"backend"`
	Locale       string            `toml:"locale" yaml:"locale"`
	LaunchFile   string            `toml:"launch_file" yaml:"launch_file"`
	EnableAttach *bool             `toml:"enable_attach" yaml:"enable_attach"`
	Settings     map[string]string `toml:"settings" yaml:"settings"`
	Encoding     string            `toml:"encoding" yaml:"encoding"`
	IdleTimeout  string            `toml:"idle_timeout" yaml:"idle_timeout"`
	GracePeriod  string            `toml:"grace_period" yaml:"grace_period"`
	LogLevel     string            `toml:"log_level" yaml:"log_level"`
	TLSDir       string            `toml:"tls_dir" yaml:"tls_dir"`
	Registry     struct {
		Endpoints []string `toml:"endpoints" yaml:"endpoints"`
		Service   string   `toml:"service" yaml:"service"`
	} `toml:"registry" yaml:"registry"`
}

// Load reads path on top of Default. The format is chosen by extension: .toml, .yaml or .yml.
// Relative launch_file and tls_dir values are resolved against the file's directory.
func Load(path string) (Config, error) {
	var (
		raw     fileConfig
		defined func(key ...string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
		}
		defined = meta.IsDefined
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		var node yaml.Node
		if err := yaml.Unmarshal(b, &node); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := node.Decode(&raw); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		defined = yamlDefined(&node)
	default:
		return Config{}, fmt.Errorf("load config: unsupported file type %q", filepath.Ext(path))
	}

	cfg := Default()
	if err := overlay(&cfg, &raw, defined); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	base := filepath.Dir(path)
	if cfg.LaunchFile != "" && !filepath.IsAbs(cfg.LaunchFile) {
		cfg.LaunchFile = filepath.Join(base, cfg.LaunchFile)
	}
	if cfg.TLSDir != "" && !filepath.IsAbs(cfg.TLSDir) {
		cfg.TLSDir = filepath.Join(base, cfg.TLSDir)
	}
	return cfg, nil
}

func overlay(cfg *Config, raw *fileConfig, defined func(key ...string) bool) error {
	str := func(dst *string, v string, key ...string) {
		if defined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(dst *time.Duration, v string, key string) error {
		if !defined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str(&cfg.ListenAddr, raw.ListenAddr, "listen_addr")
	str(&cfg.HTTPAddr, raw.HTTPAddr, "http_addr")
	str(&cfg.DialAddr, raw.DialAddr, "dial_addr")
	str(&cfg.Backend, raw.Backend, "backend")
	str(&cfg.Locale, raw.Locale, "locale")
	str(&cfg.LaunchFile, raw.LaunchFile, "launch_file")
	str(&cfg.Encoding, raw.Encoding, "encoding")
	str(&cfg.LogLevel, raw.LogLevel, "log_level")
	str(&cfg.TLSDir, raw.TLSDir, "tls_dir")
	str(&cfg.Registry.Service, raw.Registry.Service, "registry", "service")
	if defined("enable_attach") && raw.EnableAttach != nil {
		cfg.EnableAttach = *raw.EnableAttach
	}
	if defined("settings") {
		cfg.Settings = raw.Settings
	}
	if defined("registry", "endpoints") {
		cfg.Registry.Endpoints = raw.Registry.Endpoints
	}
	if err := dur(&cfg.IdleTimeout, raw.IdleTimeout, "idle_timeout"); err != nil {
		return err
	}
	return dur(&cfg.GracePeriod, raw.GracePeriod, "grace_period")
}

// yamlDefined reports whether a key path is present in a decoded YAML document.
func yamlDefined(doc *yaml.Node) func(key ...string) bool {
	return func(key ...string) bool {
		n := doc
		if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
			n = n.Content[0]
		}
		for _, k := range key {
			if n.Kind != yaml.MappingNode {
				return false
			}
			var next *yaml.Node
			for i := 0; i+1 < len(n.Content); i += 2 {
				if n.Content[i].Value == k {
					next = n.Content[i+1]
					break
				}
			}
			if next == nil {
				return false
			}
			n = next
		}
		return true
	}
}

// Find returns the path of the nearest FileName at or above dir, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

// Validate checks that the addresses make sense together and that every value parses.
func (c Config) Validate() error {
	var errs []string
	if c.ListenAddr == "" && c.HTTPAddr == "" && c.DialAddr == "" {
		errs = append(errs, "one of listen_addr, http_addr or dial_addr is required")
	}
	if c.DialAddr != "" && c.ListenAddr != "" {
		errs = append(errs, "dial_addr cannot be combined with listen_addr")
	}
	if c.Backend == "" {
		errs = append(errs, "backend is required")
	}
	if _, err := protocol.ParseEncoding(c.Encoding); err != nil {
		errs = append(errs, err.Error())
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}
	if c.GracePeriod < 0 {
		errs = append(errs, "grace_period cannot be negative")
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.Service == "" {
			errs = append(errs, "registry.service is required when registry.endpoints is set")
		}
		if c.ListenAddr == "" && c.HTTPAddr == "" {
			errs = append(errs, "registry needs listen_addr or http_addr")
		}
	}
	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}
