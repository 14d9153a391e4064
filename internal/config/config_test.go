package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Namespace != "ministudio" {
		t.Fatalf("expected default namespace, got %q", cfg.Namespace)
	}
	if cfg.KeyPollInterval != 100*time.Millisecond {
		t.Fatalf("expected 100ms poll interval, got %s", cfg.KeyPollInterval)
	}
	if cfg.KeyDiscoveryTimeout != 2*time.Minute {
		t.Fatalf("expected 2m discovery timeout, got %s", cfg.KeyDiscoveryTimeout)
	}
	if cfg.PublisherAddress != "127.0.0.1:0" {
		t.Fatalf("unexpected publisher address %q", cfg.PublisherAddress)
	}
	if len(cfg.SwarmPeers) != 0 {
		t.Fatalf("expected no swarm peers, got %v", cfg.SwarmPeers)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MINISTUDIO_SWARM_PEERS", "ws://a:1/swarm, ws://b:2/swarm")
	t.Setenv("MINISTUDIO_ROOM_KEY_DISCOVERY_TIMEOUT", "0s")
	t.Setenv("MINISTUDIO_LOG_LEVEL", "debug")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.LogLevel)
	}
	if cfg.KeyDiscoveryTimeout != 0 {
		t.Fatalf("expected unbounded discovery timeout, got %s", cfg.KeyDiscoveryTimeout)
	}
	if len(cfg.SwarmPeers) != 2 || cfg.SwarmPeers[0] != "ws://a:1/swarm" || cfg.SwarmPeers[1] != "ws://b:2/swarm" {
		t.Fatalf("unexpected swarm peers %#v", cfg.SwarmPeers)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	configViper := NewViper()
	configViper.Set("room.key_poll_interval", "0s")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero poll interval")
	}

	configViper = NewViper()
	configViper.Set("room.namespace", "  ")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
}
