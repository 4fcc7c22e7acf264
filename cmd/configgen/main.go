package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/wabridge/internal/config"
	"github.com/danmuck/wabridge/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case config.KindGateway:
		return "cmd/gatewayctl/config.toml", nil
	case config.KindRelay:
		return "cmd/relayctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func run(args []string) error {
	var kind, output, input string
	var validate, force bool
	flags := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	flags.StringVar(&kind, "kind", config.KindGateway, "config kind: gateway|relay")
	flags.StringVar(&output, "output", "", "output path for config template")
	flags.BoolVar(&validate, "validate", false, "validate an existing config file")
	flags.StringVar(&input, "input", "", "config path for validation (defaults to per-kind cmd path)")
	flags.BoolVar(&force, "force", false, "overwrite existing config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logging.ConfigureRuntime("configgen")

	if validate {
		path := input
		if path == "" {
			var err error
			if path, err = defaultPath(kind); err != nil {
				return err
			}
		}
		if err := config.Validate(path, kind); err != nil {
			return err
		}
		log.Info().Str("kind", kind).Str("path", path).Msg("config validated")
		return nil
	}

	target := output
	if target == "" {
		var err error
		if target, err = defaultPath(kind); err != nil {
			return err
		}
	}
	if err := config.WriteTemplate(target, kind, force); err != nil {
		return err
	}
	log.Info().Str("kind", kind).Str("path", target).Msg("config template written")
	return nil
}
