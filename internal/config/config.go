// Package config loads the chat client's TOML configuration.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the resolved client configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Channel  string
	Kind     string
	LogLevel string
	TLS      TLS
}

// TLS configures verification of the control transport.
type TLS struct {
	Insecure   bool
	CAFile     string
	ServerName string
}

type fileConfig struct {
	Host     string  `toml:"host"`
	Port     int     `toml:"port"`
	User     string  `toml:"user"`
	Password string  `toml:"password"`
	Channel  string  `toml:"channel"`
	Kind     string  `toml:"kind"`
	LogLevel string  `toml:"log_level"`
	TLS      fileTLS `toml:"tls"`
}

type fileTLS struct {
	Insecure   bool   `toml:"insecure"`
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
}

// Default returns the built-in settings Load overlays.
func Default() Config {
	return Config{
		Host:     "localhost",
		Port:     6006,
		Channel:  "chat",
		Kind:     "service",
		LogLevel: "info",
	}
}

// Load overlays the keys defined in path on Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}

	if meta.IsDefined("host") {
		if host := strings.TrimSpace(raw.Host); host != "" {
			cfg.Host = host
		}
	}
	if meta.IsDefined("port") {
		if raw.Port <= 0 || raw.Port > 65535 {
			return Config{}, errors.Errorf("invalid port %d", raw.Port)
		}
		cfg.Port = raw.Port
	}
	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("channel") {
		if ch := strings.TrimSpace(raw.Channel); ch != "" {
			cfg.Channel = ch
		}
	}
	if meta.IsDefined("kind") {
		kind := strings.ToLower(strings.TrimSpace(raw.Kind))
		if kind != "game" && kind != "service" {
			return Config{}, errors.Errorf("invalid kind %q", raw.Kind)
		}
		cfg.Kind = kind
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("tls", "insecure") {
		cfg.TLS.Insecure = raw.TLS.Insecure
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}

	return cfg, nil
}

// ClientTLS builds the tls.Config for the control transport. A nil result
// means the system roots with the dialed host as server name.
func (t TLS) ClientTLS() (*tls.Config, error) {
	if !t.Insecure && t.CAFile == "" && t.ServerName == "" {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.Insecure,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read ca file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
