// Package common provides shared utilities for the host and member binaries:
// YAML configuration and catalog loading, logger construction and signal
// handling.
package common

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/flashbots/auctionsession/protocol"
	"gopkg.in/yaml.v3"
)

// LoadHostConfig reads a host configuration from a YAML file. Durations are
// written as Go duration strings, e.g. "30s".
func LoadHostConfig(path string) (*protocol.HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseHostConfig(data)
}

func ParseHostConfig(data []byte) (*protocol.HostConfig, error) {
	cfg := &protocol.HostConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadMemberConfig reads a member configuration from a YAML file on top of
// protocol.DefaultMemberConfig. An empty path yields the defaults.
func LoadMemberConfig(path string) (*protocol.MemberConfig, error) {
	if path == "" {
		return protocol.DefaultMemberConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseMemberConfig(data)
}

func ParseMemberConfig(data []byte) (*protocol.MemberConfig, error) {
	cfg := protocol.DefaultMemberConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

type catalogFile struct {
	Auctions []protocol.Auction `yaml:"auctions"`
}

// LoadCatalog reads the auctions a member offers to join from a YAML file. An
// empty path yields an empty catalog.
func LoadCatalog(path string) (*protocol.Catalog, error) {
	if path == "" {
		return protocol.NewCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*protocol.Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return protocol.NewCatalog(file.Auctions...)
}

// NewLogger builds the process logger. Level is one of debug, info, warn or
// error.
func NewLogger(level string, json bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
