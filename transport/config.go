// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

package transport

import (
	"errors"
	"time"
)

// transport layer 4 timing, per the KNX standard
const (
	// DefaultAckTimeout guards each transmission attempt of a numbered
	// data TPDU.
	DefaultAckTimeout = 3 * time.Second
	// DefaultMaxSendAttempts bounds transmissions per TSDU: one initial
	// send plus three repetitions.
	DefaultMaxSendAttempts = 4
	// DefaultDisconnectTimeout is the idle time after which a
	// connection-oriented destination without keep-alive is disconnected.
	DefaultDisconnectTimeout = 6 * time.Second

	// MaxSendAttemptsLimit is the upper bound accepted for the total
	// transmission budget MaxSendAttempts.
	MaxSendAttemptsLimit = 7
)

// Config defines the transport layer knobs.
// The default is applied for each unspecified value.
type Config struct {
	// AckTimeout is the acknowledgement timeout per transmission attempt,
	// default 3s.
	AckTimeout time.Duration `yaml:"ack-timeout"`

	// MaxSendAttempts is the total transmission budget per TSDU,
	// range [1, 7], default 4.
	MaxSendAttempts int `yaml:"max-send-attempts"`

	// DisconnectTimeout is the idle disconnect time of connection-oriented
	// destinations without keep-alive, default 6s. Scanning procedures
	// also wait this long after their last connect attempt.
	DisconnectTimeout time.Duration `yaml:"disconnect-timeout"`

	// ServerSide accepts unsolicited inbound connect requests by creating
	// a destination, instead of answering with a disconnect.
	ServerSide bool `yaml:"server-side"`
}

// Valid applies the default for each unspecified value.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if sf.AckTimeout == 0 {
		sf.AckTimeout = DefaultAckTimeout
	} else if sf.AckTimeout < 0 {
		return errors.New("AckTimeout must be positive")
	}
	if sf.MaxSendAttempts == 0 {
		sf.MaxSendAttempts = DefaultMaxSendAttempts
	} else if sf.MaxSendAttempts < 1 || sf.MaxSendAttempts > MaxSendAttemptsLimit {
		return errors.New("MaxSendAttempts not in [1, 7]")
	}
	if sf.DisconnectTimeout == 0 {
		sf.DisconnectTimeout = DefaultDisconnectTimeout
	} else if sf.DisconnectTimeout < 0 {
		return errors.New("DisconnectTimeout must be positive")
	}
	return nil
}

// DefaultConfig returns the standard timing.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        DefaultAckTimeout,
		MaxSendAttempts:   DefaultMaxSendAttempts,
		DisconnectTimeout: DefaultDisconnectTimeout,
	}
}

// Option is the transport layer configuration.
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

// SetServerSide toggles acceptance of unsolicited inbound connects.
func (sf *Option) SetServerSide(b bool) *Option {
	sf.config.ServerSide = b
	return sf
}
