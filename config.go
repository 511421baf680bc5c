// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the serializable configuration of a client. A zero field takes
// the default documented for it.
type Config struct {
	// RequestTimeout bounds the wait for a response to a call (default 10s).
	RequestTimeout time.Duration `env:"TETHER_REQUEST_TIMEOUT" flag:"request-timeout,Maximum wait for a response" yaml:"request_timeout"`

	// ConnectionTimeout bounds opening the transport and the handshake
	// (default 15s).
	ConnectionTimeout time.Duration `env:"TETHER_CONNECTION_TIMEOUT" flag:"connection-timeout,Maximum time to connect and handshake" yaml:"connection_timeout"`

	// LockTimeout bounds the wait to enter a connect or reconnect section
	// (default 30s).
	LockTimeout time.Duration `env:"TETHER_LOCK_TIMEOUT" flag:"lock-timeout,Maximum wait for the connection lock" yaml:"lock_timeout"`

	// IdleTimeout, if positive, closes the transport after this long without
	// traffic. The session is kept and resumed by the next send.
	IdleTimeout time.Duration `env:"TETHER_IDLE_TIMEOUT" flag:"idle-timeout,Close the transport after this long without traffic (0 disables)" yaml:"idle_timeout"`

	// HeartbeatInterval, if positive, is the period of the liveness probe.
	HeartbeatInterval time.Duration `env:"TETHER_HEARTBEAT_INTERVAL" flag:"heartbeat,Interval between heartbeat probes (0 disables)" yaml:"heartbeat_interval"`

	// NotifyOnClose sends a closeSession notification before Close.
	NotifyOnClose bool `env:"TETHER_NOTIFY_ON_CLOSE" flag:"notify-on-close,Notify the server before closing" yaml:"notify_on_close"`

	// SequentialDispatch runs inbound handlers on the receive path instead
	// of the worker pool. Such handlers must not make blocking calls back to
	// the server.
	SequentialDispatch bool `env:"TETHER_SEQUENTIAL_DISPATCH" flag:"sequential,Dispatch inbound calls sequentially" yaml:"sequential_dispatch"`

	// Workers bounds the number of concurrently running callbacks and
	// inbound handlers (default 16).
	Workers int `env:"TETHER_WORKERS" flag:"workers,Maximum concurrent handlers and callbacks" yaml:"workers"`

	// ReconnectAttempts bounds the connection attempts of one reconnect cycle
	// (default 5). A negative value disables reconnection.
	ReconnectAttempts int `env:"TETHER_RECONNECT_ATTEMPTS" flag:"reconnect-attempts,Connection attempts per reconnect cycle (<0 disables)" yaml:"reconnect_attempts"`

	// ReconnectBackoff is the initial delay between attempts (default 250ms).
	ReconnectBackoff time.Duration `env:"TETHER_RECONNECT_BACKOFF" flag:"reconnect-backoff,Initial delay between reconnect attempts" yaml:"reconnect_backoff"`

	// ReconnectMaxBackoff caps the delay between attempts (default 10s).
	ReconnectMaxBackoff time.Duration `env:"TETHER_RECONNECT_MAX_BACKOFF" flag:"reconnect-max-backoff,Maximum delay between reconnect attempts" yaml:"reconnect_max_backoff"`

	// ReconnectRate, if positive, limits how many reconnect cycles may start
	// per second.
	ReconnectRate float64 `env:"TETHER_RECONNECT_RATE" flag:"reconnect-rate,Maximum reconnect cycles per second (0 is unlimited)" yaml:"reconnect_rate"`
}

// Default values for Config fields.
const (
	DefaultRequestTimeout      = 10 * time.Second
	DefaultConnectionTimeout   = 15 * time.Second
	DefaultLockTimeout         = 30 * time.Second
	DefaultWorkers             = 16
	DefaultReconnectAttempts   = 5
	DefaultReconnectBackoff    = 250 * time.Millisecond
	DefaultReconnectMaxBackoff = 10 * time.Second
)

// LoadEnv updates c from TETHER_* environment variables. Variables that are
// not set leave the corresponding fields unchanged.
func (c *Config) LoadEnv() error {
	err := envdecode.Decode(c)
	if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil
	}
	return err
}

// Bind registers flags on fs that update the fields of c.
func (c *Config) Bind(fs *flag.FlagSet) error {
	fields, err := flax.Check(c)
	if err != nil {
		return err
	}
	fields.Bind(fs)
	return nil
}

// ParseConfig parses a YAML configuration document. Durations are written as
// strings, for example "250ms".
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	setDefault(&c.RequestTimeout, DefaultRequestTimeout)
	setDefault(&c.ConnectionTimeout, DefaultConnectionTimeout)
	setDefault(&c.LockTimeout, DefaultLockTimeout)
	setDefault(&c.Workers, DefaultWorkers)
	setDefault(&c.ReconnectAttempts, DefaultReconnectAttempts)
	setDefault(&c.ReconnectBackoff, DefaultReconnectBackoff)
	setDefault(&c.ReconnectMaxBackoff, DefaultReconnectMaxBackoff)
	if c.ReconnectMaxBackoff < c.ReconnectBackoff {
		c.ReconnectMaxBackoff = c.ReconnectBackoff
	}
	return c
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}

// Options are settings for a Client. A nil *Options provides defaults.
type Options struct {
	Config

	// Logger receives diagnostic logs. If nil, logs are discarded.
	Logger *slog.Logger

	// LogMessages, if set, is called for every message sent to or received
	// from the server, including messages that are dropped.
	LogMessages MessageLogger

	// BaseContext, if set, returns the base context for inbound handlers and
	// session callbacks. If nil, context.Background is used.
	BaseContext func() context.Context
}

func (o *Options) config() Config {
	if o == nil {
		return Config{}.withDefaults()
	}
	return o.Config.withDefaults()
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

func (o *Options) logMessages() MessageLogger {
	if o == nil {
		return nil
	}
	return o.LogMessages
}

func (o *Options) baseContext() func() context.Context {
	if o == nil || o.BaseContext == nil {
		return context.Background
	}
	return o.BaseContext
}

// A MessageLogger logs a message exchanged with the server.
type MessageLogger func(MessageInfo)

// MessageInfo describes a message and whether it was sent or received.
type MessageInfo struct {
	Data []byte // the encoded message
	Sent bool   // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	return value.Cond(m.Sent, "send ", "recv ") + string(m.Data)
}
