// Package cmn provides common constants, types, and utilities shared by the
// control plane and the process controller.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// read-mostly and most often used timeouts/flags: assigned once at startup
// (and again on config reload) to avoid a GCO.Get() + field-walk on every
// hot-path call.

type readMostly struct {
	timeout struct {
		cplane    time.Duration
		keepalive time.Duration
	}
	authEnabled bool
	testingEnv  bool
}

var Rom readMostly

func init() {
	Rom.timeout.cplane = time.Second
	Rom.timeout.keepalive = 2 * time.Second
}

func (rom *readMostly) Set(cfg *Config) {
	rom.timeout.cplane = cfg.Timeout.CplaneOperation()
	rom.timeout.keepalive = cfg.Timeout.MaxKeepalive()
	rom.authEnabled = cfg.Auth.Enabled || cfg.HTTP.AuthEnabled
}

func (rom *readMostly) CplaneOperation() time.Duration { return rom.timeout.cplane }
func (rom *readMostly) MaxKeepalive() time.Duration    { return rom.timeout.keepalive }
func (rom *readMostly) AuthEnabled() bool              { return rom.authEnabled }
func (rom *readMostly) TestingEnv() bool               { return rom.testingEnv }
func (rom *readMostly) SetTestingEnv(v bool)           { rom.testingEnv = v }
