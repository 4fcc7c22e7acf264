package config

import (
	"fmt"
	"os"
	"strings"

	gotoml "github.com/pelletier/go-toml/v2"
)

const (
	KindGateway = "gateway"
	KindRelay   = "relay"
)

const templateHeader = "# wabridge %s configuration. Durations use Go syntax (\"20s\", \"5m\").\n\n"

// Template renders the defaults for kind as a TOML document.
func Template(kind string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	var doc any
	switch kind {
	case KindGateway:
		doc = GatewayToFile(DefaultGateway())
	case KindRelay:
		doc = RelayToFile(DefaultRelay())
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	body, err := gotoml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return fmt.Sprintf(templateHeader, kind) + string(body), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports any problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindGateway:
		_, err := LoadGateway(path)
		return err
	case KindRelay:
		_, err := LoadRelay(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}
