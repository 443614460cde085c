package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

// presets sit between the defaults and the config file.
var presets = map[string]map[string]any{
	"development": {
		"max_retries":      3,
		"timeout":          "15s",
		"batch_size":       10,
		"max_workers":      2,
		"rate_limit_delay": 2.0,
		"logging.level":    "debug",
	},
	"production": {
		"max_retries":         10,
		"timeout":             "60s",
		"batch_size":          1000,
		"max_workers":         15,
		"rate_limit_delay":    0.5,
		"headless.enabled":    true,
		"checkpoint_interval": 50,
	},
	"testing": {
		"max_retries":      1,
		"timeout":          "5s",
		"batch_size":       5,
		"max_workers":      1,
		"rate_limit_delay": 0.1,
		"use_basedosdados": false,
	},
}

func applyPreset(v *viper.Viper, name string) error {
	if name == "" {
		return nil
	}
	values, ok := presets[name]
	if !ok {
		return &casefetch.ConfigurationError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q", name)}
	}
	for key, value := range values {
		v.SetDefault(key, value)
	}
	return nil
}
