// Package config содержит логику чтения конфигурации сервиса partnerlink.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса partnerlink.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	NATSAddress      string        `env:"NATS_ADDRESS"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	PushAddress      string        `env:"PUSH_ADDRESS"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT"`
	ExpirySweepEvery time.Duration `env:"EXPIRY_SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNATSAddress := cfg.NATSAddress
	envAuthSecret := cfg.AuthSecret
	envPushAddress := cfg.PushAddress
	envHandshakeTimeout := cfg.HandshakeTimeout
	envExpirySweepEvery := cfg.ExpirySweepEvery

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NATSAddress, "n", "nats://localhost:4222", "NATS server address")
	flag.StringVar(&cfg.AuthSecret, "s", "partnerlink-secret", "secret key for identity tokens")
	flag.StringVar(&cfg.PushAddress, "p", "", "push notification service address")
	flag.DurationVar(&cfg.HandshakeTimeout, "t", 5*time.Second, "websocket handshake auth timeout")
	flag.DurationVar(&cfg.ExpirySweepEvery, "e", time.Minute, "coupon expiry sweep interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNATSAddress != "" {
		cfg.NATSAddress = envNATSAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envPushAddress != "" {
		cfg.PushAddress = envPushAddress
	}
	if envHandshakeTimeout != 0 {
		cfg.HandshakeTimeout = envHandshakeTimeout
	}
	if envExpirySweepEvery != 0 {
		cfg.ExpirySweepEvery = envExpirySweepEvery
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
