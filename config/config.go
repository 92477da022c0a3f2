/*
Package config loads what the rtmclient daemon needs to know from a yaml file, with RTM_*
environment variables taking precedence over anything in the file. Reads take a shared
lock on a sibling .lock file so a tool rewriting the config never hands us half a file.
*/
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const (
	ProtocolOne   = "lc.protobuf2.1"
	ProtocolThree = "lc.protobuf2.3"

	ServiceIM        = "im"
	ServiceLiveQuery = "livequery"

	lockRetryDelay = 50 * time.Millisecond
	envPrefix      = "RTM_"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Connection ConnectionConfig `yaml:"connection"`
	Peers      []PeerConfig     `yaml:"peers"`
	Log        LogConfig        `yaml:"log"`
	Nats       NatsConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Probe      ProbeConfig      `yaml:"probe"`
	Redis      RedisConfig      `yaml:"redis"`
}

type AppConfig struct {
	ID  string `yaml:"id"`
	Key string `yaml:"key"`

	// Either a fixed websocket address or a router to look one up from
	ServerURL string `yaml:"serverUrl"`
	RouterURL string `yaml:"routerUrl"`
}

type ConnectionConfig struct {
	Protocol     string        `yaml:"protocol"`
	PingInterval time.Duration `yaml:"pingInterval"`
	PingTimeout  time.Duration `yaml:"pingTimeout"`
	CommandTTL   time.Duration `yaml:"commandTTL"`
	DelayFloor   time.Duration `yaml:"delayFloor"`
	DelayCeiling time.Duration `yaml:"delayCeiling"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Service string `yaml:"service"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// An empty URL leaves the relay off
type NatsConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// An empty address leaves the metrics endpoint off
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// An empty address leaves reachability monitoring off
type ProbeConfig struct {
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

// An empty address keeps router answers in memory
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

func Defaults() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Protocol:     ProtocolThree,
			PingInterval: 180 * time.Second,
			PingTimeout:  20 * time.Second,
			CommandTTL:   30 * time.Second,
			DelayFloor:   time.Second,
			DelayCeiling: 60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Nats: NatsConfig{
			Prefix: "rtm",
		},
		Probe: ProbeConfig{
			Interval: 30 * time.Second,
		},
	}
}

// Load reads path on top of the defaults, applies the environment and validates the
// result. An empty path means the environment is the only source.
func Load(ctx context.Context, path string) (*Config, error) {
	config := Defaults()

	if path != "" {
		data, err := readLocked(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, &ValidationError{InnerErr: err}
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, &ValidationError{InnerErr: err}
	}

	if err := config.Validate(); err != nil {
		return nil, &ValidationError{InnerErr: err}
	}

	return config, nil
}

func readLocked(ctx context.Context, path string) ([]byte, error) {
	fileLock := flock.New(path + ".lock")

	locked, err := fileLock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, &FileError{Path: path, InnerErr: fmt.Errorf("failed to acquire lock: %w", err)}
	} else if !locked {
		return nil, &FileError{Path: path, InnerErr: fmt.Errorf("lock is held elsewhere")}
	}
	defer fileLock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Path: path, InnerErr: err}
	}
	return data, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"APP_ID":          &c.App.ID,
		"APP_KEY":         &c.App.Key,
		"SERVER_URL":      &c.App.ServerURL,
		"ROUTER_URL":      &c.App.RouterURL,
		"PROTOCOL":        &c.Connection.Protocol,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FILE":        &c.Log.File,
		"NATS_URL":        &c.Nats.URL,
		"NATS_PREFIX":     &c.Nats.Prefix,
		"METRICS_ADDRESS": &c.Metrics.Address,
		"PROBE_ADDRESS":   &c.Probe.Address,
		"REDIS_ADDRESS":   &c.Redis.Address,
		"REDIS_PASSWORD":  &c.Redis.Password,
	}
	for name, field := range strs {
		if value, ok := lookup(envPrefix + name); ok {
			*field = value
		}
	}

	durations := map[string]*time.Duration{
		"PING_INTERVAL":  &c.Connection.PingInterval,
		"PING_TIMEOUT":   &c.Connection.PingTimeout,
		"COMMAND_TTL":    &c.Connection.CommandTTL,
		"DELAY_FLOOR":    &c.Connection.DelayFloor,
		"DELAY_CEILING":  &c.Connection.DelayCeiling,
		"PROBE_INTERVAL": &c.Probe.Interval,
	}
	for name, field := range durations {
		value, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*field = parsed
	}

	// RTM_PEERS=im:alice,livequery:feed
	if value, ok := lookup(envPrefix + "PEERS"); ok {
		c.Peers = parsePeers(value)
	}

	return nil
}

// entries without a service are instant messaging peers
func parsePeers(value string) []PeerConfig {
	peers := []PeerConfig{}
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		service, id, found := strings.Cut(entry, ":")
		if !found {
			service, id = ServiceIM, entry
		}
		peers = append(peers, PeerConfig{ID: id, Service: service})
	}
	return peers
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.ID == "" {
		errs = append(errs, fmt.Errorf("app id is required"))
	}
	if c.App.ServerURL == "" && c.App.RouterURL == "" {
		errs = append(errs, fmt.Errorf("either a server url or a router url is required"))
	}

	switch c.Connection.Protocol {
	case ProtocolOne, ProtocolThree:
	default:
		errs = append(errs, fmt.Errorf("unknown protocol %q", c.Connection.Protocol))
	}

	if c.Connection.PingInterval <= 0 || c.Connection.PingTimeout <= 0 || c.Connection.CommandTTL <= 0 {
		errs = append(errs, fmt.Errorf("ping interval, ping timeout and command ttl must be positive"))
	}
	if c.Connection.DelayFloor <= 0 || c.Connection.DelayCeiling < c.Connection.DelayFloor {
		errs = append(errs, fmt.Errorf("reconnect delays must satisfy 0 < floor <= ceiling, got %s and %s",
			c.Connection.DelayFloor, c.Connection.DelayCeiling))
	}

	seen := map[PeerConfig]bool{}
	imPeers := 0
	for _, peer := range c.Peers {
		if peer.ID == "" {
			errs = append(errs, fmt.Errorf("peer without an id"))
			continue
		}
		switch peer.Service {
		case ServiceIM:
			imPeers++
		case ServiceLiveQuery:
		default:
			errs = append(errs, fmt.Errorf("peer %s has unknown service %q", peer.ID, peer.Service))
		}
		if seen[peer] {
			errs = append(errs, fmt.Errorf("peer %s is listed twice", peer.ID))
		}
		seen[peer] = true
	}
	if c.Connection.Protocol == ProtocolOne && imPeers > 1 {
		errs = append(errs, fmt.Errorf("%s carries a single instant messaging peer, %d configured", ProtocolOne, imPeers))
	}

	if c.Probe.Address != "" && c.Probe.Interval <= 0 {
		errs = append(errs, fmt.Errorf("probe interval must be positive"))
	}

	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("redis db must not be negative"))
	}

	return errors.Join(errs...)
}
