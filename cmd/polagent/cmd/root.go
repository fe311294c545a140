package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "polagent",
	Short: "PolAgent is a privilege authentication agent",
	Long: `An authentication agent that brokers privilege checks between the system
authority and a desktop shell over a local socket.
Complete documentation is available at https://github.com/jmcleod/polagent`,
	Version: Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
