package config

import (
	"fmt"
	"os"

	"github.com/Mmx233/QResume/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string // --config flag value
	force      bool

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path")
	Cmd.PersistentFlags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	Cmd.AddCommand(templateCmd("server", examples.ServerConfig))
	Cmd.AddCommand(templateCmd("client", examples.ClientConfig))
}

func templateCmd(kind string, load func() ([]byte, error)) *cobra.Command {
	return &cobra.Command{
		Use:   kind,
		Short: fmt.Sprintf("Generate %s configuration file", kind),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := load()
			if err != nil {
				return fmt.Errorf("load %s config template: %w", kind, err)
			}
			if err := writeTemplate(configFile, content, force); err != nil {
				return err
			}
			log.Info().Str("com", "generate").Str("file", configFile).Msgf("generated %s configuration", kind)
			return nil
		},
	}
}

// writeTemplate writes content to path, refusing to replace an existing
// file unless overwrite is set.
func writeTemplate(path string, content []byte, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("file already exists: %s", path)
		}
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}
