package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/benaskins/warden/internal/spec"
)

type checkResult struct {
	Path       string `json:"path"`
	Name       string `json:"name,omitempty"`
	Executable string `json:"executable,omitempty"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file-or-dir]",
	Short: "Validate runner spec files",
	Long:  "Parse and validate YAML runner specs. Checks a specific file, a directory, or the configured spec directory (~/.warden/runners/).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	var target string
	if len(args) > 0 {
		target = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		target = cfg.SpecDir
	}

	results, err := checkSpecs(target)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printCheckResults(os.Stdout, os.Stderr, results)
	}

	var failed int
	for _, r := range results {
		if !r.Valid {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d spec(s) failed validation", failed)
	}
	return nil
}

// checkSpecs loads every spec at target, a file or a directory, and reports
// which of them are valid.
func checkSpecs(target string) ([]checkResult, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", target, err)
	}

	var files []string
	if info.IsDir() {
		yamlFiles, _ := filepath.Glob(filepath.Join(target, "*.yaml"))
		ymlFiles, _ := filepath.Glob(filepath.Join(target, "*.yml"))
		files = append(yamlFiles, ymlFiles...)
		if len(files) == 0 {
			return nil, fmt.Errorf("no YAML files found in %s", target)
		}
		sort.Strings(files)
	} else {
		files = []string{target}
	}

	results := make([]checkResult, 0, len(files))
	for _, path := range files {
		s, err := spec.Load(path)
		if err != nil {
			results = append(results, checkResult{Path: path, Error: err.Error()})
			continue
		}
		results = append(results, checkResult{
			Path:       path,
			Name:       s.Runner.Name,
			Executable: s.Runner.Executable,
			Valid:      true,
		})
	}
	return results, nil
}

func printCheckResults(out, errOut io.Writer, results []checkResult) {
	var failed int
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(out, "OK    %s (%s, %s)\n", r.Path, r.Name, r.Executable)
		} else {
			failed++
			fmt.Fprintf(errOut, "FAIL  %s\n      %v\n", r.Path, r.Error)
		}
	}

	if len(results) > 1 {
		fmt.Fprintf(out, "\n%d/%d specs valid\n", len(results)-failed, len(results))
	}
}
