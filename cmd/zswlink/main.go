package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zswlink",
	Short: "ZSWatch phone companion link",
	Long: `Watch-side companion link for the Gadgetbridge "Bangle.js" protocol:

- Advertise a Nordic UART Service and talk to Gadgetbridge over BLE
- Expose the same link on a PTY for bench testing without a radio
- Replay captured phone traffic through the decoder

Decoded notifications, weather, music, time and HTTP replies are published on
an internal event bus; battery and charger state is reported back to the phone.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ptyCmd)
	rootCmd.AddCommand(replayCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("zswlink {{.Version}} (commit %s, built %s)\n", commit, date))

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
