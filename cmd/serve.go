package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabulist/fabulist/internal/config"
	"github.com/fabulist/fabulist/internal/dependency"
)

var serveLoad string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the websocket play endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveLoad, "load", "l", "", "Load a save slot instead of starting fresh")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	container, err := dependency.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenForSignals(cancel)

	st := container.State()
	if serveLoad != "" {
		if err := st.Load(serveLoad); err != nil {
			return fmt.Errorf("load save %s: %w", serveLoad, err)
		}
	} else if err := st.Begin(nil); err != nil {
		return err
	}
	defer st.Close()

	container.Recorder().Start(ctx)
	defer container.Recorder().Close()
	container.Timers().Start(ctx)

	return container.Server().Run(ctx)
}
