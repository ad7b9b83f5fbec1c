package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekey/ceremony"
	bboltstorage "github.com/jmcleod/gatekey/storage/bbolt"
)

var (
	devicesDataDir string
	devicesFileID  string
)

// devicesCmd inspects the allow-list of a file directly from the local
// bbolt store. Useful for support: "which devices can open this share?"
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices bound to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := bboltstorage.NewRepositoryFromFile(devicesDataDir+"/gatekey.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer repo.Close()

		svc, err := ceremony.NewService(repo, ceremony.Config{RPID: "localhost"})
		if err != nil {
			return err
		}

		file, err := svc.GetFile(devicesFileID)
		if err != nil {
			return err
		}

		fmt.Printf("File: %s (%s)\nShare: %s\nDevices: %d\n\n", file.Name, file.ID, file.ShareID, len(file.Devices))
		if len(file.Devices) == 0 {
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tCREDENTIAL\tAAGUID\tTRANSPORTS\tREGISTERED")
		for _, d := range file.Devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.Label,
				truncate(d.CredentialID, 16),
				d.AAGUID,
				strings.Join(d.Transports, ","),
				d.CreatedAt.UTC().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().StringVar(&devicesDataDir, "data-dir", "./data", "Directory for persistent data")
	devicesCmd.Flags().StringVar(&devicesFileID, "file", "", "File ID to inspect")
	_ = devicesCmd.MarkFlagRequired("file")
}
