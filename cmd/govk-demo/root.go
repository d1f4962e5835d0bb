package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd is the govk-demo root command.
var RootCmd = &cobra.Command{
	Use:   "govk-demo",
	Short: "Demonstrates the overset grid assembly pipeline end to end",
	Long: `
govk-demo assembles a small domain of uniform grids described by a YAML
file and prints a summary of the resulting connectivity.`,
}

// Execute runs the root command, exiting the process on failure (the
// teacher's cmd/1D.go idiom of failing fast from main, generalized to
// cobra's own error path rather than a bespoke os.Exit in main.go).
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "domain YAML file (required)")
	RootCmd.AddCommand(assembleCmd)
}

func readConfigFile() ([]byte, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("govk-demo: --config is required")
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("govk-demo: reading %s: %w", cfgFile, err)
	}
	return os.ReadFile(cfgFile)
}
