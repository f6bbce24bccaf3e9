// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package has holds the environment-driven configuration for the
// session-surviving proxy.
package has

import (
	"net"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"

	"github.com/c-hudson/has/pkg/errors"
	"github.com/c-hudson/has/pkg/proxy"
)

// Config is the proxy configuration, parsed from the environment.
type Config struct {
	Host string `env:"HOST"`
	Port string `env:"PORT" envDefault:"4000"`

	// MushAddress is the backend game server (host:port).
	MushAddress string `env:"MUSH_ADDRESS" envDefault:"localhost:4201"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatUser     string        `env:"HEARTBEAT_USER"     envDefault:"heartbeat"`
	HeartbeatPassword string        `env:"HEARTBEAT_PASSWORD" envDefault:"heartbeat"`

	// ConnectSuccess and ConnectFail are regular expressions matched
	// against backend output while a login awaits confirmation.
	ConnectSuccess string `env:"CONNECT_SUCCESS" envDefault:"Last connect was from.*"`
	ConnectFail    string `env:"CONNECT_FAIL"    envDefault:"Either that player .*not exist.*"`

	// RemoteHostnameCmd is sent with the client IP on each fresh backend
	// socket; empty disables it.
	RemoteHostnameCmd string `env:"REMOTEHOSTNAME_CMD" envDefault:"@REMOTEHOSTNAME"`

	OfflineNotice string `env:"OFFLINE_NOTICE" envDefault:"### The game appears to be down. Your connection will resume when it returns. ###"`
	OnlineNotice  string `env:"ONLINE_NOTICE"  envDefault:"### The game has returned. Your connection has been restored. ###"`

	AuthTimeout   time.Duration `env:"AUTH_TIMEOUT"   envDefault:"4s"`
	UnauthTimeout time.Duration `env:"UNAUTH_TIMEOUT" envDefault:"300s"`
	ProbeTimeout  time.Duration `env:"PROBE_TIMEOUT"  envDefault:"10s"`
	DialTimeout   time.Duration `env:"DIAL_TIMEOUT"   envDefault:"5s"`

	// AcceptRate limits accepted connections per second; 0 disables.
	AcceptRate  float64 `env:"ACCEPT_RATE"  envDefault:"0"`
	AcceptBurst int     `env:"ACCEPT_BURST" envDefault:"10"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	// The env library substitutes envDefault for an explicitly empty
	// value; an empty REMOTEHOSTNAME_CMD must still disable the command.
	key := opts.Prefix + "REMOTEHOSTNAME_CMD"
	v, ok := opts.Environment[key]
	if opts.Environment == nil {
		v, ok = os.LookupEnv(key)
	}
	if ok && v == "" {
		c.RemoteHostnameCmd = ""
	}
	return c, nil
}

// ProxyConfig compiles the pattern tunables and maps the configuration
// onto the engine's. Bad patterns fail here, at startup.
func (c Config) ProxyConfig() (proxy.Config, error) {
	success, err := regexp.Compile(c.ConnectSuccess)
	if err != nil {
		return proxy.Config{}, errors.Wrap(err, "invalid connect_success pattern")
	}
	fail, err := regexp.Compile(c.ConnectFail)
	if err != nil {
		return proxy.Config{}, errors.Wrap(err, "invalid connect_fail pattern")
	}

	return proxy.Config{
		ListenAddress:     net.JoinHostPort(c.Host, c.Port),
		BackendAddress:    c.MushAddress,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatUser:     c.HeartbeatUser,
		HeartbeatPassword: c.HeartbeatPassword,
		ConnectSuccess:    success,
		ConnectFail:       fail,
		RemoteHostnameCmd: c.RemoteHostnameCmd,
		OfflineNotice:     c.OfflineNotice,
		OnlineNotice:      c.OnlineNotice,
		AuthTimeout:       c.AuthTimeout,
		UnauthTimeout:     c.UnauthTimeout,
		ProbeTimeout:      c.ProbeTimeout,
		DialTimeout:       c.DialTimeout,
		AcceptRate:        rate.Limit(c.AcceptRate),
		AcceptBurst:       c.AcceptBurst,
	}, nil
}
