package main

import (
	"github.com/spf13/cobra"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "development"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints zipsigner version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}
