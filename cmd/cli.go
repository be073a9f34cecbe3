package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"ultrasonic/pkg/build"
)

// Options is the result of parsing command-line arguments: which command to
// run, plus the config-file path and any flag overrides to apply on top of
// it once loaded.
type Options struct {
	Command    string
	ConfigPath string
	ListenAddr string
	LogLevel   string
}

// ParseArgs builds the cobra command tree and executes it against the
// process's arguments, returning the resolved Options.
func ParseArgs() (*Options, error) {
	buildInfo := build.GetBuildFlags()
	options := &Options{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         "Headless ultrasonic spectrum streaming service",
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Command = "serve"
			return nil
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the spectrum streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Command = "serve"
			return nil
		},
	}
	rootCmd.AddCommand(serveCmd)

	listCmd := &cobra.Command{
		Use:   "list-devices",
		Short: "List available audio input devices and their stable IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Command = "list-devices"
			return nil
		},
	}
	rootCmd.AddCommand(listCmd)

	rootCmd.PersistentFlags().StringVarP(&options.ConfigPath, "config", "c", "",
		"Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&options.ListenAddr, "listen", "l", "",
		"Override the listen address (host:port)")
	rootCmd.PersistentFlags().StringVarP(&options.LogLevel, "log-level", "v", "",
		"Override the log level (debug|info|warn|error)")

	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}
	if options.Command == "" {
		options.Command = "serve"
	}
	return options, nil
}
