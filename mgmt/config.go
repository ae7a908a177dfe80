// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package mgmt

import (
	"errors"
	"time"
)

// DefaultResponseTimeout is the default window for a matching response.
const DefaultResponseTimeout = 5 * time.Second

// Config defines the management client knobs.
// The default is applied for each unspecified value.
type Config struct {
	// ResponseTimeout is the window for a matching response per request,
	// and the collection window of multi-response broadcast services,
	// default 5s.
	ResponseTimeout time.Duration `yaml:"response-timeout"`
}

// Valid applies the default for each unspecified value.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if sf.ResponseTimeout == 0 {
		sf.ResponseTimeout = DefaultResponseTimeout
	} else if sf.ResponseTimeout < 0 {
		return errors.New("ResponseTimeout must be positive")
	}
	return nil
}

// DefaultConfig returns the default management configuration.
func DefaultConfig() Config {
	return Config{ResponseTimeout: DefaultResponseTimeout}
}

// Option is the management client configuration.
type Option struct {
	config Config
}

// NewOption returns an option with default config.
func NewOption() *Option {
	return &Option{DefaultConfig()}
}

// SetConfig sets the config; an invalid config falls back to the default.
func (sf *Option) SetConfig(cfg Config) *Option {
	if err := cfg.Valid(); err != nil {
		sf.config = DefaultConfig()
	} else {
		sf.config = cfg
	}
	return sf
}

// SetResponseTimeout sets the response window.
func (sf *Option) SetResponseTimeout(t time.Duration) *Option {
	if t > 0 {
		sf.config.ResponseTimeout = t
	}
	return sf
}
