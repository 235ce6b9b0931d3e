package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/kazmanavt/birpc"
	"github.com/kazmanavt/birpc/config"
	"github.com/kazmanavt/birpc/transport/wsconn"
)

const paramFlag = "param"

func paramsFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    paramFlag,
		Aliases: []string{"p"},
		Usage:   "named parameter as key=value, repeatable",
	}
}

func callCommand(env *peerEnv) *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "call a remote method and print its result as YAML",
		ArgsUsage: "METHOD [ARG...]",
		Flags:     []cli.Flag{paramsFlag()},
		Action: func(c *cli.Context) error {
			method, args, err := parseInvocation(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context, env.callTimeout())
			defer cancel()

			s, err := connect(ctx, env)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.Peer().Call(ctx, method, args...)
			if err != nil {
				return fmt.Errorf("%s: %w", method, err)
			}
			out, err := yaml.Marshal(res)
			if err != nil {
				return err
			}
			_, err = c.App.Writer.Write(out)
			return err
		},
	}
}

func notifyCommand(env *peerEnv) *cli.Command {
	return &cli.Command{
		Name:      "notify",
		Usage:     "send a notification",
		ArgsUsage: "METHOD [ARG...]",
		Flags:     []cli.Flag{paramsFlag()},
		Action: func(c *cli.Context) error {
			method, args, err := parseInvocation(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context, env.callTimeout())
			defer cancel()

			s, err := connect(ctx, env)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Peer().Notify(ctx, method, args...); err != nil {
				return err
			}
			// frames leave in order, so the default reply means the
			// notification went out before the session closes
			_, err = s.Peer().Call(ctx, birpc.DefaultMethod)
			return err
		},
	}
}

// connect opens a session to the configured endpoint and waits until it is ready.
func connect(ctx context.Context, env *peerEnv) (*birpc.Session, error) {
	cfg := env.cfg
	opts := append(cfg.SessionOptions(), birpc.WithLogger(env.log))

	var dial birpc.DialFunc
	switch cfg.Transport {
	case config.TransportWebSocket:
		dial = wsconn.DialFunc(cfg.URL(), nil)
	default:
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, cfg.Transport, cfg.Address)
		}
	}

	s := birpc.Connect(dial, opts...)
	if _, err := s.Ready(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s %s: %w", cfg.Transport, cfg.Address, err)
	}
	return s, nil
}

// parseInvocation reads METHOD and its arguments. Arguments and parameter
// values are YAML scalars or flow collections: 1, 2.5, true, "text", [1, 2],
// {a: 1}.
func parseInvocation(c *cli.Context) (string, []any, error) {
	if c.NArg() == 0 {
		return "", nil, fmt.Errorf("%s: missing METHOD", c.Command.Name)
	}
	method := c.Args().First()

	args := make([]any, 0, c.NArg())
	for _, raw := range c.Args().Tail() {
		v, err := parseValue(raw)
		if err != nil {
			return "", nil, fmt.Errorf("argument %q: %w", raw, err)
		}
		args = append(args, v)
	}

	params, err := parseParams(c.StringSlice(paramFlag))
	if err != nil {
		return "", nil, err
	}
	if len(params) > 0 {
		args = append(args, params)
	}
	return method, args, nil
}

func parseParams(kvs []string) (birpc.Params, error) {
	params := birpc.Params{}
	for _, kv := range kvs {
		k, raw, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q: want key=value", kv)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		params[k] = v
	}
	return params, nil
}

func parseValue(raw string) (any, error) {
	if raw == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}
