package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/wabridge/internal/config"
	"github.com/danmuck/wabridge/internal/logging"
	"github.com/danmuck/wabridge/internal/service"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, addr string
	flags := pflag.NewFlagSet("gatewayctl", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "gateway TOML config (defaults apply when empty)")
	flags.StringVar(&addr, "addr", "", "HTTP listen address, overrides the config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime("gatewayctl")

	cfg := config.DefaultGateway()
	if configPath != "" {
		loaded, err := config.LoadGateway(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		zerolog.SetGlobalLevel(level)
	}

	gw, err := service.NewGateway(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return gw.Run(ctx)
}
