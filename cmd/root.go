package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/trafficsat/cmd/analyze"
	"github.com/tphakala/trafficsat/cmd/serve"
	"github.com/tphakala/trafficsat/cmd/token"
	"github.com/tphakala/trafficsat/internal/buildinfo"
	"github.com/tphakala/trafficsat/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "trafficsat",
		Short:         "Satellite imagery traffic density analysis",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(buildinfo.String() + "\n")

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		// flag binding only fails on programmer error
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(settings),
		analyze.Command(settings),
		token.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// flags write straight into settings, validate the merged result
		return conf.ValidateSettings(settings)
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Detector.URL, "detector", settings.Detector.URL, "Base URL of the vehicle detection inference server")
	rootCmd.PersistentFlags().StringVar(&settings.Output.SQLite.Path, "db", settings.Output.SQLite.Path, "Path to the SQLite database")

	// flag names map onto config keys
	for flag, key := range map[string]string{
		"debug":    "debug",
		"detector": "detector.url",
		"db":       "output.sqlite.path",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
