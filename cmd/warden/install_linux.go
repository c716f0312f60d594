package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/spf13/cobra"
)

const systemdUnitName = "warden.service"

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install warden as a systemd user service (starts on login)",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := installedBinary()
		if err != nil {
			return err
		}
		unitPath, err := userUnitPath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
			return fmt.Errorf("creating unit dir: %w", err)
		}

		data, err := io.ReadAll(renderUnit(daemonArgs(binary)))
		if err != nil {
			return fmt.Errorf("rendering unit: %w", err)
		}
		if err := os.WriteFile(unitPath, data, 0644); err != nil {
			return fmt.Errorf("writing unit: %w", err)
		}

		if err := exec.Command("systemctl", "--user", "daemon-reload").Run(); err != nil {
			return fmt.Errorf("systemctl daemon-reload: %w", err)
		}
		if err := exec.Command("systemctl", "--user", "enable", "--now", systemdUnitName).Run(); err != nil {
			return fmt.Errorf("systemctl enable: %w", err)
		}

		fmt.Printf("Installed systemd unit: %s\n", unitPath)
		fmt.Printf("Binary: %s\n", binary)
		fmt.Printf("Logs: journalctl --user -u %s\n", systemdUnitName)
		fmt.Println("warden daemon will start now and on every login.")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the warden systemd user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		unitPath, err := userUnitPath()
		if err != nil {
			return err
		}

		// Disable first; the unit may never have been enabled.
		_ = exec.Command("systemctl", "--user", "disable", "--now", systemdUnitName).Run()

		if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing unit: %w", err)
		}
		_ = exec.Command("systemctl", "--user", "daemon-reload").Run()

		fmt.Println("Uninstalled warden systemd unit.")
		fmt.Println("warden daemon will no longer start on login.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}

func userUnitPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("finding config dir: %w", err)
	}
	return filepath.Join(dir, "systemd", "user", systemdUnitName), nil
}

// renderUnit builds a user unit that runs the daemon. The daemon logs to
// stderr, which the journal captures.
func renderUnit(args []string) io.Reader {
	return unit.Serialize([]*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "warden native process supervisor"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", strings.Join(args, " ")),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "KillMode", "mixed"),
		unit.NewUnitOption("Service", "TimeoutStopSec", "30"),
		unit.NewUnitOption("Install", "WantedBy", "default.target"),
	})
}
