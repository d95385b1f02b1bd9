package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func newRootCommand(log zerolog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "garaged",
		Short: "Garage door monitoring and control daemon",
		Long: `garaged infers garage door position from endpoint sensors and drives
the opener relay, with MQTT remote control, a soft lock, and an activation
watchdog that falls back to the last confirmed position.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "garaged.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newRunCommand(log))
	rootCmd.AddCommand(newCheckConfigCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newRunCommand(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}

			app, err := NewApp(cfg, log)
			if err != nil {
				return err
			}
			return app.Run()
		},
	}
}

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d doors)\n", configPath, len(cfg.Doors))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("garaged %s (built %s)\n", version, buildDate)
		},
	}
}
