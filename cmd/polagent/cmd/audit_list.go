package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/polagent/security"
)

var (
	auditListLimit   int
	auditListJSON    bool
	auditListDataDir string
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := auditListDataDir
		if dir == "" {
			dir = defaultDataDir()
		}
		path := filepath.Join(dir, "audit.db")
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("no audit database at %s: %w", path, err)
		}

		store, err := security.OpenAuditStore(path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer store.Close()

		entries, err := store.Recent(auditListLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit entries: %w", err)
		}

		if auditListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		for _, e := range entries {
			fmt.Printf("%-30s %-22s %-10s %s\n", e.CreatedAt, e.Event, e.Outcome, e.Details)
		}
		if len(entries) == 0 {
			fmt.Println("audit trail is empty")
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditListCmd)
	auditListCmd.Flags().IntVarP(&auditListLimit, "limit", "n", 50, "Maximum number of entries to show")
	auditListCmd.Flags().BoolVar(&auditListJSON, "json", false, "Emit entries as JSON")
	auditListCmd.Flags().StringVar(&auditListDataDir, "data-dir", "", "Directory holding the audit database")
}
