package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"readerview/internal/server"
	"readerview/reader"
)

func newServeCommand(app AppContext, g *globalFlags) *cobra.Command {
	var addr, configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversions over HTTP",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := serveConfig(cmd, g, addr, configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), app, g, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from READERVIEW_ADDR or :8080)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML server config")
	return cmd
}

// serveConfig layers environment, config file, then flags the user actually set.
func serveConfig(cmd *cobra.Command, g *globalFlags, addr, configPath string) (server.Config, error) {
	cfg := server.DefaultConfig()
	if configPath != "" {
		if err := server.LoadConfigFile(configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}
	flags := cmd.Flags()
	if flags.Changed("assets") || cfg.Assets == "" {
		cfg.Assets = g.assets
	}
	if flags.Changed("chrome") || cfg.Chrome == "" {
		cfg.Chrome = g.chrome
	}
	if flags.Changed("user-agent") || cfg.UserAgent == "" {
		cfg.UserAgent = g.userAgent
	}
	if flags.Changed("headful") {
		cfg.Headful = g.headful
	}
	return cfg, nil
}

func runServe(ctx context.Context, app AppContext, g *globalFlags, cfg server.Config) error {
	log := newLogger(app.Stderr, g.verbose)
	cfg.Logger = &log

	opts := g.chromeOptions(&log)
	opts.ExecPath, opts.Headful, opts.UserAgent = cfg.Chrome, cfg.Headful, cfg.UserAgent
	engines, release, err := app.Engines(opts)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer release()
	conv, err := reader.New(engines, cfg.ReaderConfig())
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(cfg, conv).ListenAndServe(ctx)
}
