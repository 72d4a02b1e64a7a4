package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/server"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the desktop bridge",
		Long:  "Starts the local HTTP bridge the desktop frontend connects to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := c.buildApp()
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = application.tracing.Shutdown(ctx)
				_ = application.engine.Close(ctx)
			}()

			bridge := server.New(application.engine, application.cfg.Bridge, application.logger)
			if err := bridge.Start(); err != nil {
				return err
			}

			color.Green("cloudwork bridge listening on %s:%d",
				application.cfg.Bridge.Host, application.cfg.Bridge.Port)
			color.White("agent service: %s", application.cfg.Service.BaseURL)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			color.Yellow("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return bridge.Stop(ctx)
		},
	}
}
