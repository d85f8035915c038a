// Package config defines the caller-supplied session configuration:
// ports, timeouts, and per-traffic-class defaults. There is no
// discovery (spec.md §1 Non-goals): every endpoint and COM-ID the
// engine ever touches is configured here by the caller.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/railtrdp/trdpgo/errs"
)

const (
	DefaultPDPort = 17224
	DefaultMDPort = 17225

	minInterval       = 10 * time.Millisecond
	minReplyTimeout   = time.Millisecond
	defaultConnectTO  = 3 * time.Second
	defaultAcceptBack = 8
)

// PDConfig governs defaults applied when a caller omits a value on an
// individual Publish/Subscribe call.
type PDConfig struct {
	Port            int           `json:"port"`
	DefaultInterval time.Duration `json:"defaultInterval"`
	DefaultTimeout  time.Duration `json:"defaultTimeout"`
}

// MDConfig governs MD port, TCP behavior, and retry/timeout defaults.
type MDConfig struct {
	Port             int           `json:"port"`
	ConnectTimeout   time.Duration `json:"connectTimeout"`
	ListenBacklog    int           `json:"listenBacklog"`
	DefaultRetries   int           `json:"defaultRetries"`
	DefaultReplyTO   time.Duration `json:"defaultReplyTimeout"`
	DefaultConfirmTO time.Duration `json:"defaultConfirmTimeout"`
}

// SessionConfig is the complete, validated configuration a caller
// passes to open a session.
type SessionConfig struct {
	OwnIP string `json:"ownIP"`

	EtbTopoCount uint32 `json:"etbTopoCount"` // 0 = accept any
	OpTopoCount  uint32 `json:"opTopoCount"`

	PD PDConfig `json:"pd"`
	MD MDConfig `json:"md"`
}

// Default returns a SessionConfig with the protocol's documented
// defaults: ports 17224/17225, 100ms PD interval, 1.2s PD timeout, 3s
// TCP connect (Validate enforces the 10ms minimum cycle).
func Default() SessionConfig {
	return SessionConfig{
		PD: PDConfig{
			Port:            DefaultPDPort,
			DefaultInterval: 100 * time.Millisecond,
			DefaultTimeout:  1200 * time.Millisecond,
		},
		MD: MDConfig{
			Port:             DefaultMDPort,
			ConnectTimeout:   defaultConnectTO,
			ListenBacklog:    defaultAcceptBack,
			DefaultRetries:   2,
			DefaultReplyTO:   1 * time.Second,
			DefaultConfirmTO: 500 * time.Millisecond,
		},
	}
}

// Validate enforces the protocol's documented resolution floors
// (reply-timeout >= 1ms, interval >= 10ms) and port sanity.
func (c SessionConfig) Validate() error {
	if c.OwnIP == "" {
		return errs.New(errs.PARAM_ERR, "ownIP must be set")
	}
	if c.PD.Port <= 0 || c.PD.Port > 65535 {
		return errs.New(errs.PARAM_ERR, "pd.port %d out of range", c.PD.Port)
	}
	if c.MD.Port <= 0 || c.MD.Port > 65535 {
		return errs.New(errs.PARAM_ERR, "md.port %d out of range", c.MD.Port)
	}
	if c.PD.DefaultInterval < minInterval {
		return errs.New(errs.PARAM_ERR, "pd.defaultInterval below the 10ms floor")
	}
	if c.MD.DefaultReplyTO < minReplyTimeout {
		return errs.New(errs.PARAM_ERR, "md.defaultReplyTimeout below the 1ms floor")
	}
	if c.MD.DefaultConfirmTO < minReplyTimeout {
		return errs.New(errs.PARAM_ERR, "md.defaultConfirmTimeout below the 1ms floor")
	}
	if c.MD.ConnectTimeout <= 0 {
		return errs.New(errs.PARAM_ERR, "md.connectTimeout must be positive")
	}
	return nil
}

func (c SessionConfig) MarshalJSON() ([]byte, error)   { return jsoniter.Marshal(rawConfig(c)) }
func (c *SessionConfig) UnmarshalJSON(b []byte) error   { return jsoniter.Unmarshal(b, (*rawConfig)(c)) }

// rawConfig breaks the MarshalJSON/UnmarshalJSON method set off
// SessionConfig itself, avoiding infinite recursion through jsoniter.
type rawConfig SessionConfig
