// Package cmn provides common constants, types, and utilities shared by the
// control plane and the process controller.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Config is the control-plane JSON config tree (spec.md §6). A process
// controller decodes only the subset it needs (Workers, TCPServer) from
// the same schema, so the two sides never drift.
type (
	Config struct {
		HTTP        HTTPConf        `json:"http"`
		Workers     WorkersConf     `json:"workers"`
		Downscaler  DownscalerConf  `json:"downscaler"`
		TCPServer   TCPServerConf   `json:"tcpserver"`
		BackendType string          `json:"backend-type"`   // "subprocess" | "k8s"
		Backend     BackendConf     `json:"backend"`
		Deployment  DeploymentConf  `json:"deployment-type"`
		IPAddress   string          `json:"ip-address"`
		HTTPClient  HTTPClientConf  `json:"http-client-io-threads"`
		Timeout     TimeoutConf     `json:"timeout"`
		Auth        AuthConf        `json:"auth"`
	}

	HTTPConf struct {
		Port        int    `json:"port"`
		AuthEnabled bool   `json:"auth_enabled"`
		JWTSecret   string `json:"jwt_secret"`
	}

	WorkersConf struct {
		Threads int `json:"threads"`
		// MaxFnPerProcess caps concurrent functions per controlplane-capable
		// process before a fresh one is allocated (spec.md §4.12).
		MaxFnPerProcess int `json:"max_fn_per_process"`
	}

	DownscalerConf struct {
		PollingIntervalSec  int `json:"polling_interval"`
		SwappingThresholdSec int `json:"swapping_threshold"`
	}

	TCPServerConf struct {
		Port       int `json:"port"`
		IOThreads  int `json:"io_threads"`
	}

	// DeploymentConf selects and configures the swap-location backend
	// (scheme -> bucket/container/namenode address).
	DeploymentConf struct {
		Scheme    string `json:"scheme"` // "local" | "s3" | "az" | "gs" | "hdfs"
		Root      string `json:"root"`
		Bucket    string `json:"bucket,omitempty"`
		Container string `json:"container,omitempty"`
		Account   string `json:"account,omitempty"`
		Namenode  string `json:"namenode,omitempty"`
	}

	// BackendConf is the backend-specific section (spec.md §6 "Config ...
	// backend-specific sections"); fields irrelevant to the selected
	// backend-type stay zero.
	BackendConf struct {
		MinVCPUs int   `json:"min_vcpus"`
		MaxVCPUs int   `json:"max_vcpus"`
		MinMemMB int64 `json:"min_memory"`
		MaxMemMB int64 `json:"max_memory"`

		ProcessBinary string `json:"process_binary"` // subprocess
		BaseDir       string `json:"base_dir"`       // subprocess

		Namespace  string `json:"namespace"`  // k8s
		Image      string `json:"image"`      // k8s
		Kubeconfig string `json:"kubeconfig"` // k8s
	}

	HTTPClientConf struct {
		IOThreads int `json:"io_threads"`
	}

	TimeoutConf struct {
		CplaneOperationMS int `json:"cplane_operation_ms"`
		MaxKeepaliveMS    int `json:"max_keepalive_ms"`
	}

	AuthConf struct {
		Enabled bool `json:"enabled"`
	}
)

func (c *TimeoutConf) CplaneOperation() time.Duration {
	return time.Duration(c.CplaneOperationMS) * time.Millisecond
}

func (c *TimeoutConf) MaxKeepalive() time.Duration {
	return time.Duration(c.MaxKeepaliveMS) * time.Millisecond
}

func (c *DownscalerConf) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSec) * time.Second
}

func (c *DownscalerConf) SwappingThreshold() time.Duration {
	return time.Duration(c.SwappingThresholdSec) * time.Second
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadConfig reads and decodes the control-plane/process JSON config at
// path, then fills in defaults for unset fields.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := jsonAPI.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Workers.Threads <= 0 {
		c.Workers.Threads = 8
	}
	if c.Workers.MaxFnPerProcess <= 0 {
		c.Workers.MaxFnPerProcess = 4
	}
	if c.TCPServer.IOThreads <= 0 {
		c.TCPServer.IOThreads = 4
	}
	if c.Downscaler.PollingIntervalSec <= 0 {
		c.Downscaler.PollingIntervalSec = 10
	}
	if c.Downscaler.SwappingThresholdSec <= 0 {
		c.Downscaler.SwappingThresholdSec = 300
	}
	if c.Timeout.CplaneOperationMS <= 0 {
		c.Timeout.CplaneOperationMS = 1000
	}
	if c.Timeout.MaxKeepaliveMS <= 0 {
		c.Timeout.MaxKeepaliveMS = 2000
	}
	if c.Deployment.Scheme == "" {
		c.Deployment.Scheme = "local"
	}
	if c.BackendType == "" {
		c.BackendType = "subprocess"
	}
}

// GCO mirrors the teacher's "global config owner": one process-wide,
// atomically-swappable config pointer read via GCO.Get().
var GCO = &gco{}

type gco struct {
	cfg atomic.Pointer[Config]
}

func (g *gco) Put(c *Config) { g.cfg.Store(c) }
func (g *gco) Get() *Config {
	if c := g.cfg.Load(); c != nil {
		return c
	}
	return &Config{}
}
