package run

import (
	"context"

	"github.com/Mmx233/QResume/config"
	"github.com/Mmx233/QResume/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile = defaultConfigFile()
	Cmd        = &cobra.Command{
		Use:   "run",
		Short: "Run qresume server or client",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
	Cmd.AddCommand(serverCmd)
	Cmd.AddCommand(clientCmd)
}

func defaultConfigFile() string {
	if v, ok := config.LookupEnv("CONFIG"); ok && v != "" {
		return v
	}
	return "config.yaml"
}

// serveMetrics exposes reg in the background when an address is configured.
// Failures are logged since metrics are not required for probing.
func serveMetrics(ctx context.Context, conf config.Metrics, reg *prometheus.Registry) {
	if conf.Address == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, conf.Address, conf.Path, reg); err != nil {
			log.Error().Str("com", "metrics").Err(err).Msg("metrics endpoint stopped")
		}
	}()
}
