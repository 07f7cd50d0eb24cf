package certs

import (
	"fmt"
	"net"
	"time"

	"github.com/Mmx233/QResume/pki"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	outputDir  string
	validYears int
	dnsNames   []string
	ipAddrs    []string
	Cmd        = &cobra.Command{
		Use:   "certs",
		Short: "Generate certificates (CA, server, client)",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
)

func init() {
	defaults := pki.DefaultBundleOptions()
	defaultIPs := make([]string, len(defaults.ServerIPs))
	for i, ip := range defaults.ServerIPs {
		defaultIPs[i] = ip.String()
	}

	Cmd.Flags().StringVarP(&outputDir, "output", "o", "./certs", "output directory")
	Cmd.Flags().IntVarP(&validYears, "years", "y", 10, "certificate validity in years")
	Cmd.Flags().StringSliceVar(&dnsNames, "dns", defaults.ServerNames, "DNS names of the server certificate")
	Cmd.Flags().StringSliceVar(&ipAddrs, "ip", defaultIPs, "IP addresses of the server certificate")
}

func bundleOptions() (pki.BundleOptions, error) {
	if validYears < 1 {
		return pki.BundleOptions{}, fmt.Errorf("years must be at least 1, got %d", validYears)
	}
	opts := pki.BundleOptions{
		ServerNames: dnsNames,
		ValidFor:    time.Duration(validYears) * 365 * 24 * time.Hour,
	}
	for _, s := range ipAddrs {
		ip := net.ParseIP(s)
		if ip == nil {
			return pki.BundleOptions{}, fmt.Errorf("invalid ip address: %s", s)
		}
		opts.ServerIPs = append(opts.ServerIPs, ip)
	}
	return opts, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "generate").Logger()

	opts, err := bundleOptions()
	if err != nil {
		return err
	}

	logger.Info().
		Str("dir", outputDir).
		Int("years", validYears).
		Strs("dns", dnsNames).
		Strs("ip", ipAddrs).
		Msg("generating certificates")

	bundle, err := pki.WriteBundle(outputDir, opts)
	if err != nil {
		return err
	}

	for _, path := range []string{bundle.CAKey, bundle.CACert, bundle.ServerKey, bundle.ServerCert, bundle.ClientKey, bundle.ClientCert} {
		logger.Info().Str("file", path).Msg("generated")
	}
	logger.Info().Msg("certificate generation complete")
	return nil
}
