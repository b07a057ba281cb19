package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pedro-hdias/mudbroker/internal/config"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		pid, err := readPID(cfg)
		if err != nil {
			return err
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d).\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		pid, err := readPID(cfg)
		if err != nil {
			return err
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}

// sessionStatusRow mirrors internal/debugapi's JSON shape for
// /api/sessions/status, kept as a local, narrower copy rather than an
// import: the CLI only ever needs to print it, never to construct or
// validate one.
type sessionStatusRow struct {
	PublicID      string `json:"publicId"`
	Fingerprint   string `json:"fingerprint"`
	State         string `json:"state"`
	AttachedCount int    `json:"attachedCount"`
	LastActivity  string `json:"lastActivity"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running, and its live session count if debug mode is on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		pid, err := readPID(cfg)
		if err != nil {
			fmt.Fprintln(os.Stdout, "daemon not running")
			return nil
		}
		fmt.Fprintf(os.Stdout, "daemon running (PID %d)\n", pid)

		if !cfg.Debug.Enabled {
			fmt.Fprintln(os.Stdout, "debug mode is off; enable DEBUG=true|1|yes to see live session counts")
			return nil
		}
		rows, err := fetchSessionStatus(cfg)
		if err != nil {
			return fmt.Errorf("query debug API: %w", err)
		}
		fmt.Fprintf(os.Stdout, "%d live session(s)\n", len(rows))
		for _, row := range rows {
			fmt.Fprintf(os.Stdout, "  %s  state=%-16s attached=%d  last_activity=%s\n",
				row.Fingerprint, row.State, row.AttachedCount, row.LastActivity)
		}
		return nil
	},
}

// fetchSessionStatus hits the locally running daemon's debug API, the
// same endpoint internal/debugapi.Server.handleSessionsStatus serves.
func fetchSessionStatus(cfg *config.Config) ([]sessionStatusRow, error) {
	req, err := http.NewRequest(http.MethodGet, "http://localhost"+debugAPIAddr+"/api/sessions/status", nil)
	if err != nil {
		return nil, err
	}
	if cfg.Debug.Secret != "" {
		req.Header.Set("X-Debug-Secret", cfg.Debug.Secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("debug API returned %d: %s", resp.StatusCode, string(body))
	}

	var rows []sessionStatusRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode debug API response: %w", err)
	}
	return rows, nil
}
