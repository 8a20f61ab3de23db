package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mamori",
	Short: "Security incident detection and regulatory-deadline response engine",
	Long: `Mamori detects security anomalies, scores their risk against the affected
data categories and subject counts, and drives the resulting incidents
through containment, statutory regulator-notification deadlines, and
resolution. Evidence is sealed with versioned AES-256-GCM keys and every
lifecycle step lands in an append-only audit trail.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "mamori.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
