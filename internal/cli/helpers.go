package cli

import (
	"context"

	"github.com/car-repair/estimator/internal/daemon"
	"github.com/car-repair/estimator/internal/logging"
)

// openDaemon loads the config file and wires a daemon.
func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, err
	}
	return newDaemon(ctx, cfg)
}

func newDaemon(ctx context.Context, cfg daemon.Config) (*daemon.Daemon, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return daemon.NewWithConfig(ctx, cfg, logger)
}
