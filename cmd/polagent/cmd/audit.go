package cmd

import "github.com/spf13/cobra"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail inspection tools",
	Long:  `Commands for inspecting the persistent audit trail recorded by the agent.`,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
