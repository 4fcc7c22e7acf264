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
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, addr, downstream string
	flags := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "relay TOML config (defaults apply when empty)")
	flags.StringVar(&addr, "addr", "", "HTTP listen address, overrides the config file")
	flags.StringVar(&downstream, "downstream", "", "gateway /sendMessage URL, overrides the config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime("relayctl")

	cfg := config.DefaultRelay()
	if configPath != "" {
		loaded, err := config.LoadRelay(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if downstream != "" {
		cfg.Downstream.URL = downstream
	}
	if err := config.ValidateRelay(cfg); err != nil {
		return err
	}
	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		zerolog.SetGlobalLevel(level)
	}

	relay, err := service.NewRelay(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return relay.Run(ctx)
}
