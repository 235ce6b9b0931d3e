package main

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/kazmanavt/birpc/config"
)

// newLogger builds the zap logger of the process and a slog front end writing
// through it, which is what the birpc packages log to.
func newLogger(lc config.LogConfig) (*zap.Logger, *slog.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if lc.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		lvl, err := zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, nil, err
		}
		zcfg.Level = lvl
	}

	zl, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return zl, slog.New(zapslog.NewHandler(zl.Core(), nil)), nil
}
