package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "MINISTUDIO"
	defaultLogLevel            = "info"
	defaultNamespace           = "ministudio"
	defaultKeyPollInterval     = 100 * time.Millisecond
	defaultKeyDiscoveryTimeout = 2 * time.Minute
	defaultPublisherAddress    = "127.0.0.1:0"
	defaultAnnounceTTL         = 10 * time.Minute
)

// AppConfig captures runtime configuration for the room worker.
type AppConfig struct {
	LogLevel            string
	Namespace           string
	KeyPollInterval     time.Duration
	KeyDiscoveryTimeout time.Duration
	PublisherAddress    string
	SwarmListenAddress  string
	SwarmPeers          []string
	SwarmRedisAddress   string
	SwarmAnnounceTTL    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("room.namespace", defaultNamespace)
	configViper.SetDefault("room.key_poll_interval", defaultKeyPollInterval)
	configViper.SetDefault("room.key_discovery_timeout", defaultKeyDiscoveryTimeout)
	configViper.SetDefault("publisher.address", defaultPublisherAddress)
	configViper.SetDefault("swarm.listen_address", "")
	configViper.SetDefault("swarm.peers", []string{})
	configViper.SetDefault("swarm.redis_address", "")
	configViper.SetDefault("swarm.announce_ttl", defaultAnnounceTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:            configViper.GetString("log.level"),
		Namespace:           strings.TrimSpace(configViper.GetString("room.namespace")),
		KeyPollInterval:     configViper.GetDuration("room.key_poll_interval"),
		KeyDiscoveryTimeout: configViper.GetDuration("room.key_discovery_timeout"),
		PublisherAddress:    strings.TrimSpace(configViper.GetString("publisher.address")),
		SwarmListenAddress:  strings.TrimSpace(configViper.GetString("swarm.listen_address")),
		SwarmPeers:          splitPeers(configViper.GetStringSlice("swarm.peers")),
		SwarmRedisAddress:   strings.TrimSpace(configViper.GetString("swarm.redis_address")),
		SwarmAnnounceTTL:    configViper.GetDuration("swarm.announce_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("room.namespace is required")
	}
	if c.KeyPollInterval <= 0 {
		return fmt.Errorf("room.key_poll_interval must be positive")
	}
	if c.KeyDiscoveryTimeout < 0 {
		return fmt.Errorf("room.key_discovery_timeout must not be negative")
	}
	if c.PublisherAddress == "" {
		return fmt.Errorf("publisher.address is required")
	}
	if c.SwarmAnnounceTTL <= 0 {
		return fmt.Errorf("swarm.announce_ttl must be positive")
	}
	return nil
}

// splitPeers accepts both repeated values and a single comma separated env value.
func splitPeers(values []string) []string {
	peers := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				peers = append(peers, trimmed)
			}
		}
	}
	return peers
}
