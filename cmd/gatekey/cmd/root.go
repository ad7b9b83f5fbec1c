package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the release version stamped into the banner and --version.
const Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:     "gatekey",
	Short:   "Gatekey is a passkey device-registration service for file shares",
	Version: Version,
	Long: `Gatekey verifies WebAuthn device registrations and binds device-bound
passkeys to the allow-list of protected file shares. Syncable passkeys
are rejected by policy.
Complete documentation is available at https://github.com/jmcleod/gatekey`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
