package cmd

import (
	"fmt"
	"os"

	"dustdevil/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath = "config.yml"
	skipConfig = false
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dustdevil",
	Short: "A SOCKS5 proxy server managed over the Sandstorm protocol.",
	Long: "dustdevil is a SOCKS5 proxy server with an out-of-band TCP management\n" +
		"and telemetry protocol called Sandstorm.",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// resolveConfig or exit with error
func resolveConfig() *config.Config {
	skip := skipConfig
	if !skip {
		if _, err := os.Stat(configPath); err != nil {
			skip = true
		}
	}

	cfg, err := config.New(configPath, skip)
	if err != nil {
		fmt.Printf("unable to initialize config: %s\n", err.Error())
		os.Exit(1)
	}

	return cfg
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to yml config")
	rootCmd.PersistentFlags().BoolVar(&skipConfig, "skip-config", false, "skips config and uses ENV only")
}
