package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/social-monitor/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 4,
	}

	client, err := NewRedisClient(testContext(t), cfg)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer client.Close()

	if err := client.Ping(testContext(t)); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if client.Client() == nil {
		t.Error("Client() returned nil")
	}
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.RedisConfig{Host: mr.Host(), Port: mr.Port(), MaxConnections: 1}
	mr.Close()

	if _, err := NewRedisClient(testContext(t), cfg); err == nil {
		t.Error("NewRedisClient() expected error for closed server")
	}
}
