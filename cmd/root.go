// Package cmd implements the nmsgtool CLI using the cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nmsgtool",
	Short: "nmsgtool runs an NMSG capture-to-output pipeline",
	Long: `nmsgtool ingests network traffic, from a live interface or an offline
packet file, reassembles fragmented IP datagrams, extracts payloads, and
multiplexes them out to file, datagram-socket, Kafka, or presentation-text
outputs in stripe or mirror mode.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "nmsg.yml", "config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
