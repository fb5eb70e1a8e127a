package service

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const pidFile = "/var/run/cardsync.pid"

// DaemonRunning reports whether a cardsync daemon is alive according to the
// PID file. A stale PID file is removed.
func DaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	if !processAlive(pid) {
		os.Remove(pidFile)
		return false, 0
	}
	return true, pid
}

// CreatePidFile records the current process id so the status command and
// packaging scripts can find the daemon.
func CreatePidFile() error {
	if err := os.MkdirAll("/var/run", 0755); err != nil {
		return fmt.Errorf("create /var/run: %w", err)
	}
	data := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(pidFile, []byte(data), 0644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// RemovePidFile deletes the PID file if present.
func RemovePidFile() error {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(pidFile)
}

// SignalSync sends SIGUSR1 to the running daemon to trigger a rescan and
// sync of all attached devices.
func SignalSync() error {
	running, pid := DaemonRunning()
	if !running {
		return fmt.Errorf("cardsync daemon is not running")
	}
	return syscall.Kill(pid, syscall.SIGUSR1)
}

func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file: %w", err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}
