package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pedro-hdias/mudbroker/internal/config"
)

// pidFilePath is the single source of truth for where the daemon's PID
// file lives, shared by serve (which writes it), stop/restart (which
// read it), and status (which reads it to decide what to ask the debug
// API about).
func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.RunDir, "mudbroker.pid")
}

func writePIDFile(cfg *config.Config) (string, error) {
	if err := os.MkdirAll(cfg.RunDir, 0755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	pidPath := pidFilePath(cfg)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// readPID reads the PID from the daemon's PID file and validates the
// process exists by sending signal 0.
func readPID(cfg *config.Config) (int, error) {
	pidPath := pidFilePath(cfg)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running daemon (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running daemon (process %d not found)", pid)
	}

	return pid, nil
}
