//go:build !darwin && !linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install warden as a login service (macOS and Linux only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("service installation is only available on macOS and Linux")
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the warden login service (macOS and Linux only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("service installation is only available on macOS and Linux")
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
