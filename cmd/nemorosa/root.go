// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/nemorosa/internal/cache"
	"github.com/autobrr/nemorosa/internal/clientadapter"
	"github.com/autobrr/nemorosa/internal/config"
	"github.com/autobrr/nemorosa/internal/httpapi"
	"github.com/autobrr/nemorosa/internal/matcher"
	"github.com/autobrr/nemorosa/internal/orchestrator"
	"github.com/autobrr/nemorosa/internal/pipeline"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/internal/search"
	"github.com/autobrr/nemorosa/internal/store"
	"github.com/autobrr/nemorosa/internal/trackeradapter"
	"github.com/autobrr/nemorosa/internal/trackeradapter/gazellejson"
)

type rootFlags struct {
	configPath     string
	clientOverride string
	noDownload     bool
	retryOnly      bool
	serverMode     bool
	torrentHash    string
	host           string
	port           int
	logLevel       string
}

func newRootCommand() *cobra.Command {
	f := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "nemorosa",
		Short:         "Cross-seed match-and-reconcile engine for Gazelle-family trackers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMain(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.configPath, "config", "nemorosa.yaml", "path to YAML configuration file")
	cmd.Flags().StringVar(&f.clientOverride, "client", "", "override downloader.client")
	cmd.Flags().BoolVar(&f.noDownload, "no-download", false, "dry run: stop after matching, never inject")
	cmd.Flags().BoolVarP(&f.retryOnly, "retry-undownloaded", "r", false, "replay the retry ledger and exit")
	cmd.Flags().BoolVarP(&f.serverMode, "server", "s", false, "run the HTTP API and block")
	cmd.Flags().StringVarP(&f.torrentHash, "torrent", "t", "", "run a single local infohash and exit")
	cmd.Flags().StringVar(&f.host, "host", "", "override server.host")
	cmd.Flags().IntVar(&f.port, "port", 0, "override server.port")
	cmd.Flags().StringVarP(&f.logLevel, "loglevel", "l", "", "override global.loglevel")

	return cmd
}

func runMain(ctx context.Context, f *rootFlags) error {
	if _, statErr := os.Stat(f.configPath); os.IsNotExist(statErr) {
		if err := config.WriteDefault(f.configPath); err != nil {
			return &configError{fmt.Errorf("write starter config: %w", err)}
		}
		return &configError{fmt.Errorf("no configuration found; wrote a starter file to %s, edit it and re-run", f.configPath)}
	}

	cfg, err := config.New(f.configPath)
	if err != nil {
		return &configError{err}
	}
	applyFlagOverrides(cfg, f)
	if err := cfg.Validate(); err != nil {
		return &configError{fmt.Errorf("after flag overrides: %w", err)}
	}

	configureLogging(cfg.Global.LogLevel)

	client, err := newClientAdapter(cfg.Downloader.Client)
	if err != nil {
		return &noClientError{err}
	}

	db, err := store.Open(resolveDatabasePath(f.configPath))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	c, err := cache.New(client, db)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}
	if err := c.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild cache: %w", err)
	}

	sites, err := buildSites(cfg)
	if err != nil {
		return &configError{err}
	}
	strat := search.New(sites, search.DefaultMaxCandidates)

	pcfg := pipeline.DefaultConfig()
	pcfg.CheckTrackers = cfg.Global.CheckTrackers
	pcfg.CheckMusicOnly = cfg.Global.CheckMusicOnly
	pcfg.NoDownload = cfg.Global.NoDownload || f.noDownload
	pcfg.AutoStart = cfg.Global.AutoStartTorrents
	pcfg.Label = cfg.Downloader.Label
	if cfg.Global.ExcludeMP3 {
		pcfg.MusicExtensions = removeExt(pcfg.MusicExtensions, ".mp3")
	}
	linkMode, err := matcher.ParseLinkMode(string(cfg.Global.Linking.Mode))
	if err != nil {
		return &configError{err}
	}
	pcfg.MatcherPolicy.LinkingMode = linkMode
	pcfg.MatcherPolicy.AllowPartialPieces = cfg.Global.Linking.AllowPartialPieces
	if cfg.Global.MaxMissingBytes > 0 {
		pcfg.MatcherPolicy.MaxMissingBytes = cfg.Global.MaxMissingBytes
	}
	p := pipeline.New(c, strat, reconcile.New(), client, db, pcfg)

	orch := orchestrator.New(c, p, db, orchestrator.DefaultFullScanConcurrency)

	switch {
	case f.torrentHash != "":
		res, err := orch.Single(ctx, f.torrentHash)
		if err != nil {
			return fmt.Errorf("run torrent %s: %w", f.torrentHash, err)
		}
		log.Info().Str("hash", f.torrentHash).Str("state", string(res.State)).Msg("nemorosa: single run complete")
		return nil
	case f.retryOnly:
		return orch.RetrySweep(ctx)
	case f.serverMode:
		return serve(ctx, cfg, orch)
	default:
		return orch.FullScan(ctx, cfg.Global.CheckTrackers)
	}
}

func applyFlagOverrides(cfg *config.Config, f *rootFlags) {
	if f.clientOverride != "" {
		cfg.Downloader.Client = f.clientOverride
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Global.LogLevel = f.logLevel
	}
	if f.noDownload {
		cfg.Global.NoDownload = true
	}
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	parsed, err := zerolog.ParseLevel(mapLogLevel(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// mapLogLevel translates the configured "critical" level onto zerolog's
// scale, which has no "critical" level of its own.
func mapLogLevel(level string) string {
	if level == "critical" {
		return "fatal"
	}
	return level
}

func newClientAdapter(clientURL string) (clientadapter.Adapter, error) {
	parsed, err := clientadapter.ParseClientURL(clientURL)
	if err != nil {
		return nil, err
	}
	// Concrete torrent-client RPC bodies are an external collaborator:
	// operators supply one satisfying clientadapter.Adapter. None ships
	// here, so every kind currently fails at startup with a clear message
	// rather than silently no-opping.
	return nil, fmt.Errorf("no built-in driver for client kind %q at %s://%s; provide a clientadapter.Adapter implementation", parsed.Kind, parsed.Scheme, parsed.Host)
}

// removeExt drops ext from exts, for global.exclude_mp3.
func removeExt(exts []string, ext string) []string {
	out := exts[:0:0]
	for _, e := range exts {
		if e != ext {
			out = append(out, e)
		}
	}
	return out
}

// resolveDatabasePath places the persisted store next to the config file
// unless NEMOROSA_DATABASE_PATH overrides it, following a config-relative
// default with an env-override escape hatch.
func resolveDatabasePath(configPath string) string {
	if override := os.Getenv("NEMOROSA_DATABASE_PATH"); override != "" {
		return override
	}
	return filepath.Join(filepath.Dir(configPath), "nemorosa.db")
}

func buildSites(cfg *config.Config) ([]trackeradapter.Adapter, error) {
	sites := make([]trackeradapter.Adapter, 0, len(cfg.TargetSites))
	for _, ts := range cfg.TargetSites {
		client, err := gazellejson.New(gazellejson.Spec{
			SiteID:  ts.Tracker,
			BaseURL: ts.Server,
			APIKey:  ts.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("target_site %s: %w", ts.Tracker, err)
		}
		sites = append(sites, client)
	}
	return sites, nil
}

func serve(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator) error {
	srv := httpapi.NewServer(orch, cfg.Server.APIKey)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	log.Info().Str("addr", addr).Msg("nemorosa: serving HTTP API")
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
