package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "huddle",
		Short:         "Collaborative session server",
		Long:          "huddle serves shared session boards: participants join, submit and edit items under advisory locks and rate limits, and watch changes live.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default huddle.yaml in . or $HOME/.huddle)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(v, &configFile),
		newWatchCmd(v, &configFile),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
