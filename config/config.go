// Package config loads service and client settings from YAML.
//
//	server:
//	  name: calc
//	  bind: [tcp://0.0.0.0:4242]
//	  codec: binary
//	  executor: {kind: pool, size: 32}
//	  session-ttl: 5m
//	  timeout: 30s
//	  rate-limit: {rate: 100, burst: 20}
//	  discovery:
//	    endpoints: [127.0.0.1:2379]
//	    ttl: 10s
//	client:
//	  service: calc
//	  timeout: 5s
//	  balancer: weighted_random
//	  discovery:
//	    endpoints: [127.0.0.1:2379]
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"gen-rpc/client"
	"gen-rpc/codec"
	"gen-rpc/discovery"
	"gen-rpc/executor"
	"gen-rpc/loadbalance"
	"gen-rpc/middleware"
	"gen-rpc/server"
	"gen-rpc/transport"
)

// File is the top level of a configuration file. Either section may be
// absent.
type File struct {
	Server *Server `yaml:"server,omitempty"`
	Client *Client `yaml:"client,omitempty"`
}

// Executor selects how invocations run.
type Executor struct {
	// Kind is go, pool or serial.
	Kind string `yaml:"kind,omitempty"`
	Size int    `yaml:"size,omitempty"`
}

type Heartbeat struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	Liveness int           `yaml:"liveness,omitempty"`
}

type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type Retry struct {
	Attempts int           `yaml:"attempts,omitempty"`
	Delay    time.Duration `yaml:"delay,omitempty"`
}

// Discovery locates the etcd cluster services advertise in.
type Discovery struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
	DialTimeout time.Duration `yaml:"dial-timeout,omitempty"`
}

// Validate checks the settings.
func (d *Discovery) Validate() error {
	if len(d.Endpoints) == 0 {
		return errors.NotValidf("discovery without etcd endpoints")
	}
	if d.TTL < 0 || d.DialTimeout < 0 {
		return errors.NotValidf("negative discovery timing")
	}
	return nil
}

// Open connects to etcd.
func (d *Discovery) Open() (*discovery.EtcdRegistry, error) {
	prefix := d.Prefix
	if prefix == "" {
		prefix = discovery.DefaultPrefix
	}
	dialTimeout := d.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	reg, err := discovery.NewEtcdRegistry(d.Endpoints, prefix, dialTimeout)
	return reg, errors.Annotate(err, "opening discovery")
}

// Server configures one service.
type Server struct {
	Name       string        `yaml:"name"`
	Bind       []string      `yaml:"bind,omitempty"`
	Connect    []string      `yaml:"connect,omitempty"`
	Advertise  []string      `yaml:"advertise,omitempty"`
	Codec      string        `yaml:"codec,omitempty"`
	Executor   Executor      `yaml:"executor,omitempty"`
	Reserved   []string      `yaml:"reserved,omitempty"`
	SessionTTL time.Duration `yaml:"session-ttl,omitempty"`
	Heartbeat  Heartbeat     `yaml:"heartbeat,omitempty"`
	// Timeout, when set, bounds every invocation.
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit *RateLimit    `yaml:"rate-limit,omitempty"`
	// Retry runs invocations that time out again. Only for services
	// whose procedures are idempotent.
	Retry     *Retry        `yaml:"retry,omitempty"`
	Weight    int           `yaml:"weight,omitempty"`
	Version   string        `yaml:"version,omitempty"`
	Discovery *Discovery    `yaml:"discovery,omitempty"`
}

// Validate checks the settings.
func (s *Server) Validate() error {
	if s.Name == "" {
		return errors.NotValidf("server without name")
	}
	if len(s.Bind) == 0 && len(s.Connect) == 0 {
		return errors.NotValidf("server %s with nothing to bind or connect", s.Name)
	}
	if err := validateEndpoints(s.Bind, s.Connect, s.Advertise); err != nil {
		return errors.Trace(err)
	}
	if _, err := codecOf(s.Codec); err != nil {
		return errors.Trace(err)
	}
	if _, err := executor.New(s.Executor.Kind, s.Executor.Size); err != nil {
		return errors.Trace(err)
	}
	if s.SessionTTL < 0 || s.Timeout < 0 || s.Heartbeat.Interval < 0 {
		return errors.NotValidf("negative duration in server %s", s.Name)
	}
	if s.RateLimit != nil && (s.RateLimit.Rate <= 0 || s.RateLimit.Burst <= 0) {
		return errors.NotValidf("rate limit %v/%d", s.RateLimit.Rate, s.RateLimit.Burst)
	}
	if s.Retry != nil && (s.Retry.Attempts < 1 || s.Retry.Delay < 0) {
		return errors.NotValidf("retry %d/%s", s.Retry.Attempts, s.Retry.Delay)
	}
	if s.Discovery != nil {
		return errors.Trace(s.Discovery.Validate())
	}
	return nil
}

// Build returns the programmatic configuration. reg is the registry
// opened from Discovery, or nil.
func (s *Server) Build(reg discovery.Registry) (server.Config, error) {
	if err := s.Validate(); err != nil {
		return server.Config{}, errors.Trace(err)
	}
	c, _ := codecOf(s.Codec)
	exec, _ := executor.New(s.Executor.Kind, s.Executor.Size)
	cfg := server.Config{
		Name:              s.Name,
		Codec:             c,
		Executor:          exec,
		Reserved:          s.Reserved,
		SessionTTL:        s.SessionTTL,
		HeartbeatInterval: s.Heartbeat.Interval,
		HeartbeatLiveness: s.Heartbeat.Liveness,
		Advertise:         s.Advertise,
		Weight:            s.Weight,
		Version:           s.Version,
	}
	if reg != nil {
		cfg.Discovery = reg
		if s.Discovery != nil {
			cfg.DiscoveryTTL = s.Discovery.TTL
		}
	}
	return cfg, nil
}

// Middlewares returns the middlewares the settings ask for, outermost
// first. Retry wraps Timeout so each attempt gets the full timeout.
func (s *Server) Middlewares() []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(nil)}
	if s.RateLimit != nil {
		mws = append(mws, middleware.RateLimitMiddleware(s.RateLimit.Rate, s.RateLimit.Burst))
	}
	if s.Retry != nil && s.Retry.Attempts > 1 {
		mws = append(mws, middleware.RetryMiddleware(s.Retry.Attempts-1, s.Retry.Delay, nil))
	}
	if s.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(s.Timeout))
	}
	return mws
}

// Client configures one client.
type Client struct {
	Connect  []string      `yaml:"connect,omitempty"`
	Bind     []string      `yaml:"bind,omitempty"`
	Codec    string        `yaml:"codec,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Balancer string        `yaml:"balancer,omitempty"`
	Retry    Retry         `yaml:"retry,omitempty"`
	Reserved []string      `yaml:"reserved,omitempty"`

	Heartbeat Heartbeat `yaml:"heartbeat,omitempty"`
	// Service is the name looked up in Discovery.
	Service   string     `yaml:"service,omitempty"`
	Discovery *Discovery `yaml:"discovery,omitempty"`
}

// Validate checks the settings.
func (c *Client) Validate() error {
	if len(c.Connect) == 0 && len(c.Bind) == 0 && c.Service == "" {
		return errors.NotValidf("client with nothing to connect to")
	}
	if c.Service != "" && c.Discovery == nil {
		return errors.NotValidf("service %s without discovery", c.Service)
	}
	if err := validateEndpoints(c.Connect, c.Bind); err != nil {
		return errors.Trace(err)
	}
	if _, err := codecOf(c.Codec); err != nil {
		return errors.Trace(err)
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return errors.Trace(err)
	}
	if c.Timeout < 0 || c.Retry.Delay < 0 || c.Retry.Attempts < 0 || c.Heartbeat.Interval < 0 {
		return errors.NotValidf("negative client setting")
	}
	if c.Discovery != nil {
		return errors.Trace(c.Discovery.Validate())
	}
	return nil
}

// Build returns the programmatic configuration.
func (c *Client) Build() (client.Config, error) {
	if err := c.Validate(); err != nil {
		return client.Config{}, errors.Trace(err)
	}
	cdc, _ := codecOf(c.Codec)
	bal, _ := loadbalance.New(c.Balancer)
	return client.Config{
		Codec:             cdc,
		Balancer:          bal,
		Timeout:           c.Timeout,
		Reserved:          c.Reserved,
		RetryAttempts:     c.Retry.Attempts,
		RetryDelay:        c.Retry.Delay,
		HeartbeatInterval: c.Heartbeat.Interval,
		HeartbeatLiveness: c.Heartbeat.Liveness,
	}, nil
}

func codecOf(name string) (codec.Codec, error) {
	if name == "" {
		return codec.GetCodec(codec.CodecTypeJSON), nil
	}
	t, err := codec.ParseType(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return codec.Lookup(t)
}

func validateEndpoints(lists ...[]string) error {
	for _, list := range lists {
		for _, ep := range list {
			if _, err := transport.ParseEndpoint(ep); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Annotate(err, "parsing configuration")
	}
	if f.Server == nil && f.Client == nil {
		return nil, errors.NotValidf("configuration without server or client")
	}
	if f.Server != nil {
		if err := f.Server.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if f.Client != nil {
		if err := f.Client.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return &f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", path)
	}
	f, err := Parse(data)
	return f, errors.Annotatef(err, "loading %s", path)
}
