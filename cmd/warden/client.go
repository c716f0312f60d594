package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/warden/internal/api"
	"github.com/benaskins/warden/internal/daemon"
	"github.com/benaskins/warden/internal/runner"
)

func apiClient() *http.Client {
	socketPath := defaultSocketPath()
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func apiGet(path string, v any) error {
	resp, err := apiClient().Get("http://warden" + path)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is warden daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string, v any) error {
	resp, err := apiClient().Post("http://warden"+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is warden daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runnerPath(name, action string) string {
	p := "/v1/runners/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [runner]",
	Short: "Show runner status",
	Long:  "Show runner status as a table on a terminal, or as JSON when piped or with --json.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var statuses []daemon.RunnerStatus
		if len(args) == 1 {
			var st daemon.RunnerStatus
			if err := apiGet(runnerPath(args[0], ""), &st); err != nil {
				return err
			}
			statuses = append(statuses, st)
		} else if err := apiGet("/v1/runners", &statuses); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(statuses)
		}

		if len(statuses) == 0 {
			fmt.Println("No runners")
			return nil
		}
		printStatusTable(os.Stdout, statuses)
		return nil
	},
}

func printStatusTable(out io.Writer, statuses []daemon.RunnerStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUNNER\tSTATE\tHEALTH\tPID\tUPTIME\tRESTARTS\tLAST EXIT")
	evicted := false
	for _, s := range statuses {
		pid := "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		uptime := "-"
		if s.Uptime != "" {
			uptime = s.Uptime
		}
		health := "-"
		if s.Health != "" {
			health = string(s.Health)
		}
		exit := "-"
		if s.LastExit != nil {
			exit = s.LastExit.Label
		}
		state := s.State.String()
		if !s.Supervised && s.State != runner.NotStarted {
			state += "*"
			evicted = true
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", s.Name, state, health, pid, uptime, s.Restarts, exit)
	}
	w.Flush()

	if evicted {
		fmt.Fprintln(out, "\n* no longer sampled; use 'warden relaunch' to start again")
	}
}

// stop command
var stopCmd = &cobra.Command{
	Use:   "stop [runner...]",
	Short: "Stop runners",
	Long:  "Stop the named runners, or every runner when none is named.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			var statuses []daemon.RunnerStatus
			if err := apiGet("/v1/runners", &statuses); err != nil {
				return err
			}
			for _, s := range statuses {
				args = append(args, s.Name)
			}
		}

		for _, name := range args {
			var result map[string]string
			if err := apiPost(runnerPath(name, "stop"), &result); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				continue
			}
			fmt.Printf("%s: %s\n", name, result["status"])
		}
		return nil
	},
}

// relaunch command
var relaunchCmd = &cobra.Command{
	Use:   "relaunch <runner>",
	Short: "Stop a runner if needed and start it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := apiPost(runnerPath(args[0], "relaunch"), &result); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], result["status"])
		return nil
	},
}

// reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload runner specs",
	Long:  "Re-read spec files and reconcile: start new runners, stop removed ones, restart changed ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result daemon.ReloadResult
		if err := apiPost("/v1/reload", &result); err != nil {
			return err
		}

		if !result.Changed() {
			fmt.Println("No changes")
			return nil
		}
		if len(result.Added) > 0 {
			fmt.Printf("Added: %s\n", strings.Join(result.Added, ", "))
		}
		if len(result.Removed) > 0 {
			fmt.Printf("Removed: %s\n", strings.Join(result.Removed, ", "))
		}
		if len(result.Restarted) > 0 {
			fmt.Printf("Restarted: %s\n", strings.Join(result.Restarted, ", "))
		}
		return nil
	},
}

// output command
var outputCmd = &cobra.Command{
	Use:     "output <runner>",
	Aliases: []string{"logs"},
	Short:   "Show recent output captured from a runner",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var out api.Output
		if err := apiGet(fmt.Sprintf("%s?lines=%d", runnerPath(args[0], "output"), n), &out); err != nil {
			return err
		}
		for _, line := range out.Stdout {
			fmt.Println(line)
		}
		for _, line := range out.Stderr {
			fmt.Fprintln(os.Stderr, line)
		}
		return nil
	},
}

// events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow runner state changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := apiClient()
		client.Timeout = 0 // the stream stays open

		resp, err := client.Get("http://warden/v1/events")
		if err != nil {
			return fmt.Errorf("connecting to daemon: %w (is warden daemon running?)", err)
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				fmt.Printf("%-8s %s\n", event, strings.TrimPrefix(line, "data: "))
			}
		}
		return scanner.Err()
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print JSON even on a terminal")
	outputCmd.Flags().IntP("lines", "n", 50, "number of lines to show per stream")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(relaunchCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(eventsCmd)
}
