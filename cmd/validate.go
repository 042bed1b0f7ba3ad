package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/nmsg/internal/nmsgcfg"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a pipeline configuration file",
	Long: `Validate an nmsgtool configuration file without running the pipeline.

Examples:
  nmsgtool validate -c nmsg.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := nmsgcfg.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "VALID: %d input(s), %d output(s), output_mode=%s\n",
			len(cfg.Inputs), len(cfg.Outputs), cfg.Context.OutputMode)
		return nil
	},
}
