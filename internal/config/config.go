// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and validates the YAML configuration surface
// with viper, following a load/validate/default pattern. Every option
// is overridable by an environment variable prefixed NEMOROSA_, using
// "__" as the nesting separator (e.g. NEMOROSA_SERVER__PORT).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LinkMode mirrors matcher.LinkMode in string form, as read from YAML.
type LinkMode string

const (
	LinkModeNone    LinkMode = "none"
	LinkModeHard    LinkMode = "hard"
	LinkModeSym     LinkMode = "sym"
	LinkModeReflink LinkMode = "reflink"
)

// Linking is global.linking.
type Linking struct {
	Mode               LinkMode `mapstructure:"mode" yaml:"mode"`
	AllowPartialPieces bool     `mapstructure:"allow_partial_pieces" yaml:"allow_partial_pieces"`
}

// Global is the global.* config block.
type Global struct {
	LogLevel          string   `mapstructure:"loglevel" yaml:"loglevel"`
	NoDownload        bool     `mapstructure:"no_download" yaml:"no_download"`
	ExcludeMP3        bool     `mapstructure:"exclude_mp3" yaml:"exclude_mp3"`
	CheckTrackers     []string `mapstructure:"check_trackers" yaml:"check_trackers,omitempty"`
	CheckMusicOnly    bool     `mapstructure:"check_music_only" yaml:"check_music_only"`
	AutoStartTorrents bool     `mapstructure:"auto_start_torrents" yaml:"auto_start_torrents"`
	Linking           Linking  `mapstructure:"linking" yaml:"linking"`
	MaxMissingBytes   int64    `mapstructure:"max_missing_bytes" yaml:"max_missing_bytes"`
}

// Server is the server.* config block (HTTP API).
type Server struct {
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// Downloader is the downloader.* config block. Client is a connection
// URL of the form {kind}+{scheme}://user:pass@host:port[/path][?torrents_dir=…].
type Downloader struct {
	Client string `mapstructure:"client" yaml:"client"`
	Label  string `mapstructure:"label" yaml:"label"`
}

// TargetSite is one entry of target_site[].
type TargetSite struct {
	Server  string `mapstructure:"server" yaml:"server"`
	Tracker string `mapstructure:"tracker" yaml:"tracker"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Cookie  string `mapstructure:"cookie" yaml:"cookie,omitempty"`
}

// Config is the fully parsed, defaulted, validated configuration.
type Config struct {
	Global      Global       `mapstructure:"global" yaml:"global"`
	Server      Server       `mapstructure:"server" yaml:"server"`
	Downloader  Downloader   `mapstructure:"downloader" yaml:"downloader"`
	TargetSites []TargetSite `mapstructure:"target_site" yaml:"target_site"`
}

// New loads path (YAML), applies defaults, overlays NEMOROSA_-prefixed
// environment variables (nested keys joined by "__"), and validates the
// result.
func New(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("NEMOROSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.loglevel", "info")
	v.SetDefault("global.check_music_only", true)
	v.SetDefault("global.linking.mode", string(LinkModeHard))
	v.SetDefault("global.max_missing_bytes", 0)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7476)
	v.SetDefault("downloader.label", "nemorosa")
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warning": true, "error": true, "critical": true,
}

var validLinkModes = map[LinkMode]bool{
	LinkModeNone: true, LinkModeHard: true, LinkModeSym: true, LinkModeReflink: true,
}

// Validate enforces the invariants a loaded config must satisfy before
// use (fail fast, exit 2 at the CLI boundary).
func (c *Config) Validate() error {
	if !validLogLevels[c.Global.LogLevel] {
		return fmt.Errorf("global.loglevel %q is not one of debug|info|warning|error|critical", c.Global.LogLevel)
	}
	if !validLinkModes[c.Global.Linking.Mode] {
		return fmt.Errorf("global.linking.mode %q is not one of none|hard|sym|reflink", c.Global.Linking.Mode)
	}
	if c.Global.Linking.AllowPartialPieces && c.Global.Linking.Mode != LinkModeReflink {
		return fmt.Errorf("global.linking.allow_partial_pieces is only valid with linking.mode=reflink")
	}
	if c.Global.MaxMissingBytes < 0 {
		return fmt.Errorf("global.max_missing_bytes must be >= 0")
	}
	if c.Downloader.Client == "" {
		return fmt.Errorf("downloader.client is required")
	}
	if c.Downloader.Label == "" {
		return fmt.Errorf("downloader.label must not be empty")
	}
	if len(c.TargetSites) == 0 {
		return fmt.Errorf("at least one target_site is required")
	}
	for i, ts := range c.TargetSites {
		if ts.Server == "" {
			return fmt.Errorf("target_site[%d].server is required", i)
		}
		if ts.Tracker == "" {
			return fmt.Errorf("target_site[%d].tracker is required", i)
		}
		if ts.APIKey == "" && ts.Cookie == "" {
			return fmt.Errorf("target_site[%d] needs either api_key or cookie", i)
		}
	}
	return nil
}
