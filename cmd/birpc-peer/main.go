// Command birpc-peer runs or talks to a birpc endpoint.
//
//	birpc-peer serve
//	birpc-peer call add 1 2
//	birpc-peer --transport ws --address 127.0.0.1:8080 notify log "hello"
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kazmanavt/birpc/config"
)

const (
	configFlag      = "config"
	transportFlag   = "transport"
	addressFlag     = "address"
	pathFlag        = "path"
	keepaliveFlag   = "keepalive"
	timeoutFlag     = "timeout"
	metricsFlag     = "metrics-listen"
	logLevelFlag    = "log-level"
	developmentFlag = "log-development"
)

// peerEnv is what the global flags resolve to before a command runs.
type peerEnv struct {
	cfg *config.Config
	log *slog.Logger
	zl  *zap.Logger
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	env := &peerEnv{}

	app := cli.NewApp()
	app.Name = "birpc-peer"
	app.Usage = "serve or call a bidirectional msgpack RPC endpoint"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:      configFlag,
			Aliases:   []string{"c"},
			Usage:     "path of a YAML or TOML configuration file",
			EnvVars:   []string{"BIRPC_CONFIG"},
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:    transportFlag,
			Aliases: []string{"t"},
			Usage:   "transport: tcp, unix or ws",
			EnvVars: []string{"BIRPC_TRANSPORT"},
		},
		&cli.StringFlag{
			Name:    addressFlag,
			Aliases: []string{"a"},
			Usage:   "listen or dial address",
			EnvVars: []string{"BIRPC_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    pathFlag,
			Usage:   "HTTP path of the websocket endpoint",
			EnvVars: []string{"BIRPC_PATH"},
		},
		&cli.DurationFlag{
			Name:    keepaliveFlag,
			Usage:   "interval between keepalive pings, 0 disables them",
			EnvVars: []string{"BIRPC_KEEPALIVE"},
		},
		&cli.DurationFlag{
			Name:    timeoutFlag,
			Usage:   "how long call and notify wait for the peer",
			EnvVars: []string{"BIRPC_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    metricsFlag,
			Usage:   "address serving Prometheus metrics on /metrics (serve only)",
			EnvVars: []string{"BIRPC_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    logLevelFlag,
			Usage:   "log level: debug, info, warn or error",
			EnvVars: []string{"BIRPC_LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:  developmentFlag,
			Usage: "human readable logs",
		},
	}
	app.Before = func(c *cli.Context) error {
		return env.setup(c)
	}
	app.After = func(*cli.Context) error {
		if env.zl != nil {
			_ = env.zl.Sync()
		}
		return nil
	}
	app.Commands = []*cli.Command{
		serveCommand(env),
		callCommand(env),
		notifyCommand(env),
	}
	return app
}

// setup loads the configuration file, applies flag overrides and builds the
// logger.
func (e *peerEnv) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag))
	if err != nil {
		return err
	}
	if c.IsSet(transportFlag) {
		cfg.Transport = c.String(transportFlag)
	}
	if c.IsSet(addressFlag) {
		cfg.Address = c.String(addressFlag)
	}
	if c.IsSet(pathFlag) {
		cfg.Path = c.String(pathFlag)
	}
	if c.IsSet(keepaliveFlag) {
		cfg.Keepalive = config.Duration(c.Duration(keepaliveFlag))
	}
	if c.IsSet(timeoutFlag) {
		cfg.CallTimeout = config.Duration(c.Duration(timeoutFlag))
	}
	if c.IsSet(metricsFlag) {
		cfg.Metrics.Listen = c.String(metricsFlag)
	}
	if c.IsSet(logLevelFlag) {
		cfg.Log.Level = c.String(logLevelFlag)
	}
	if c.IsSet(developmentFlag) {
		cfg.Log.Development = c.Bool(developmentFlag)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	zl, log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	e.cfg, e.zl, e.log = cfg, zl, log
	return nil
}

func (e *peerEnv) callTimeout() time.Duration {
	if e.cfg.CallTimeout <= 0 {
		return time.Duration(config.Default().CallTimeout)
	}
	return time.Duration(e.cfg.CallTimeout)
}
