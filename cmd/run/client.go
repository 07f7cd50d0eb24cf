package run

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mmx233/QResume/client"
	"github.com/Mmx233/QResume/config"
	"github.com/Mmx233/QResume/metrics"
	"github.com/Mmx233/QResume/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Probe the configured targets for session resumption",
		Args:  cobra.NoArgs,
		RunE:  runClient,
	}
)

func runClient(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "client-cmd").Logger()

	// Load configuration with validation
	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts client.Options
	if cfg.Metrics.Address != "" {
		reg := metrics.NewRegistry()
		cacheObserver := metrics.NewCacheObserver(reg)
		opts.Observer = metrics.NewHandshakeObserver(reg)
		opts.Cache = client.CacheHooks{
			Observer: cacheObserver.For,
			Created: func(name string, cache *session.Cache) {
				if err := metrics.RegisterCacheSize(reg, name, cache); err != nil {
					logger.Warn().Err(err).Str("cache", name).Msg("register cache size failed")
				}
			},
		}
		serveMetrics(ctx, cfg.Metrics, reg)
	}

	c, err := client.New(cfg, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Probe.Repeat <= 0 {
		return c.Summarize(c.Probe(ctx))
	}

	// Keep probing with the same caches so that every round after the first
	// can resume.
	ticker := time.NewTicker(cfg.Probe.Repeat)
	defer ticker.Stop()
	for {
		if err := c.Summarize(c.Probe(ctx)); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("probe round failed")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("client stopped")
			return nil
		case <-ticker.C:
		}
	}
}
