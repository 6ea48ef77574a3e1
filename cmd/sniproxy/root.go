// Package main is the sniproxy CLI entrypoint: a single cobra command that
// loads a config file, optionally just validates it (-t), and otherwise
// runs the proxy in the foreground until a termination signal arrives.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	testConfig bool
)

var rootCmd = &cobra.Command{
	Use:     "sniproxy",
	Short:   "Layer-4 TLS-aware SNI reverse proxy",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if testConfig {
			return runTestConfig(configPath)
		}
		return runServe(configPath)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/sniproxy/sniproxy.yaml", "path to the configuration file")
	rootCmd.Flags().BoolVarP(&testConfig, "test", "t", false, "parse and validate the configuration, then exit")
	rootCmd.SetVersionTemplate(fmt.Sprintf("sniproxy version {{.Version}} (%s)\n", commit))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
