package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelsec/kestrel/pkg/server"
)

type serveCmd struct {
	Host string `help:"Bind host, overrides config."`
	Port int    `help:"Bind port, overrides config."`
}

func (s *serveCmd) Run(c *cli) error {
	app, err := buildApp(c)
	if err != nil {
		return err
	}
	if s.Host != "" {
		app.cfg.Server.Host = s.Host
	}
	if s.Port != 0 {
		app.cfg.Server.Port = s.Port
	}

	srv := server.New(&app.cfg.Server, app.ctrl, app.bus, app.toolbox, app.metrics, app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("http server did not drain cleanly", "error", err)
	}
	return app.close(shutdownCtx)
}
