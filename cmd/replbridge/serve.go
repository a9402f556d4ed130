package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/guseggert/replbridge/agent"
	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/config"
	"github.com/guseggert/replbridge/internal/logging"
	"github.com/guseggert/replbridge/protocol"
	"github.com/guseggert/replbridge/registry"
	"github.com/guseggert/replbridge/session"
	"github.com/urfave/cli/v2"
)

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address to accept raw TCP front-end connections on.",
		},
		&cli.StringSliceFlag{
			Name:  "registry-endpoints",
			Usage: "etcd endpoints to publish this agent to.",
		},
		&cli.StringFlag{
			Name:  "service-name",
			Usage: "The service name to publish under.",
		},
	}
}

func connectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "server",
			Usage: "The host of the waiting front-end.",
			Value: "127.0.0.1",
		},
		&cli.IntFlag{
			Name:     "port",
			Usage:    "The port of the waiting front-end.",
			Required: true,
		},
	}
}

// agentFlags are shared by serve and connect. Any flag that is set overrides the config file.
func agentFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a TOML or YAML config file. Defaults to the nearest " + config.FileName + ".",
		},
		&cli.StringFlag{
			Name:  "http-addr",
			Usage: "The address for the HTTP control server, which also serves WebSocket sessions.",
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "The backend to run commands with.",
		},
		&cli.StringFlag{
			Name:  "locale",
			Usage: "The locale to start in.",
		},
		&cli.StringFlag{
			Name:  "launch-file",
			Usage: "A file to execute before the first prompt.",
		},
		&cli.BoolFlag{
			Name:  "enable-attach",
			Usage: "Allow front-ends to attach a debugger.",
		},
		&cli.StringSliceFlag{
			Name:  "setting",
			Usage: "A backend setting as key=value. May be repeated.",
		},
		&cli.StringFlag{
			Name:  "encoding",
			Usage: "The string encoding to send, utf-8 or ascii.",
		},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "How long to wait for a frame before checking whether to stop.",
		},
		&cli.DurationFlag{
			Name:  "grace-period",
			Usage: "How long to wait for the backend to stop after the connection fails.",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "The log level. Overridden by $" + logging.LevelEnv + ", and by $" + logging.DebugEnv + " which traces every frame.",
		},
		&cli.BoolFlag{
			Name:  "log-json",
			Usage: "Log JSON instead of human-readable lines.",
		},
		&cli.StringFlag{
			Name:  "tls-dir",
			Usage: "Directory of certs written by 'replbridge certs'. Enables TLS.",
		},
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return runAgent(c, cfg)
}

func connect(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.ListenAddr = ""
	cfg.DialAddr = net.JoinHostPort(c.String("server"), strconv.Itoa(c.Int("port")))
	return runAgent(c, cfg)
}

// loadConfig reads the config file, if any, and applies the flags that were set.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("getting working dir: %w", err)
		}
		if path, err = config.Find(wd); err != nil {
			return cfg, err
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	strFlags := map[string]*string{
		"listen-addr":  &cfg.ListenAddr,
		"http-addr":    &cfg.HTTPAddr,
		"backend":      &cfg.Backend,
		"locale":       &cfg.Locale,
		"launch-file":  &cfg.LaunchFile,
		"encoding":     &cfg.Encoding,
		"log-level":    &cfg.LogLevel,
		"tls-dir":      &cfg.TLSDir,
		"service-name": &cfg.Registry.Service,
	}
	for name, dst := range strFlags {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("enable-attach") {
		cfg.EnableAttach = c.Bool("enable-attach")
	}
	if c.IsSet("idle-timeout") {
		cfg.IdleTimeout = c.Duration("idle-timeout")
	}
	if c.IsSet("grace-period") {
		cfg.GracePeriod = c.Duration("grace-period")
	}
	if c.IsSet("registry-endpoints") {
		cfg.Registry.Endpoints = c.StringSlice("registry-endpoints")
	}
	if c.IsSet("setting") {
		settings, err := parseSettings(c.StringSlice("setting"))
		if err != nil {
			return cfg, err
		}
		if cfg.Settings == nil {
			cfg.Settings = map[string]string{}
		}
		for k, v := range settings {
			cfg.Settings[k] = v
		}
	}
	return cfg, nil
}

func parseSettings(kvs []string) (map[string]string, error) {
	settings := map[string]string{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid setting %q, expected key=value", kv)
		}
		settings[strings.TrimSpace(k)] = v
	}
	return settings, nil
}

func runAgent(c *cli.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !backends.Has(cfg.Backend) {
		return fmt.Errorf("%w %q, available: %s", backend.ErrUnknownBackend, cfg.Backend, strings.Join(backends.IDs(), ", "))
	}
	enc, err := protocol.ParseEncoding(cfg.Encoding)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, !c.Bool("log-json"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	opts := []agent.Option{
		agent.WithLogger(log),
		agent.WithListenAddr(cfg.ListenAddr),
		agent.WithHTTPAddr(cfg.HTTPAddr),
		agent.WithDialAddr(cfg.DialAddr),
		agent.WithSessionOptions(
			session.WithIdleTimeout(cfg.IdleTimeout),
			session.WithGracePeriod(cfg.GracePeriod),
			session.WithEncoding(enc),
			session.WithTerminateHandler(session.TerminateExit(log)),
		),
	}
	if cfg.TLSDir != "" {
		certs, err := agent.LoadCerts(cfg.TLSDir)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithCerts(certs))
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcd(cfg.Registry.Endpoints, registry.WithLogger(log.Named("registry")))
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, agent.WithRegistry(reg, cfg.Registry.Service))
	}

	backendOpts := backend.Options{
		Logger:       log.Named(cfg.Backend),
		Locale:       cfg.Locale,
		LaunchFile:   cfg.LaunchFile,
		EnableAttach: cfg.EnableAttach,
		Settings:     cfg.Settings,
	}
	a, err := agent.New(cfg.Backend, agent.RegistryFactory(backends, cfg.Backend, backendOpts), opts...)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
