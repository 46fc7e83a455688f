package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "mariner",
	Short:         "Docker multi-host connection manager",
	Long:          `Manage Docker engines on local sockets, remote TCP endpoints and SSH-tunnelled hosts from one API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mariner %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, serveCmd, hostsCmd, psCmd)
	hostsCmd.AddCommand(hostsListCmd, hostsImportCmd, hostsRemoveCmd, hostsTestCmd)
}
