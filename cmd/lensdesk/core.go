package main

import (
	"context"
	"log/slog"

	"github.com/kalambet/lensdesk/internal/app"
	"github.com/kalambet/lensdesk/internal/config"
)

// newCore builds the client core. Tests replace it to inject an in-memory
// store.
var newCore = func(cfg config.Config) (*app.Core, error) {
	return app.New(app.Options{Config: cfg, Logger: slog.Default()})
}

// openCoreWith builds and starts a core. One-shot commands pass follow=false:
// they do not hold the push channel open and probe the backend once instead.
func openCoreWith(ctx context.Context, cfg config.Config, follow bool) (*app.Core, error) {
	if !follow {
		cfg.Push.Enabled = false
	}
	core, err := newCore(cfg)
	if err != nil {
		return nil, err
	}
	if err := core.Start(ctx); err != nil {
		core.Close()
		return nil, err
	}
	return core, nil
}

func openCore(ctx context.Context, follow bool) (*app.Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openCoreWith(ctx, cfg, follow)
}
