package ingress

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// SignalReloader returns a Reloader that sends SIGHUP to the tunnel
// process named by a pidfile. The tunnel re-reads its ingress file on
// SIGHUP without dropping live connections.
func SignalReloader(pidfilePath string) Reloader {
	return func() error {
		data, err := os.ReadFile(pidfilePath)
		if err != nil {
			return fmt.Errorf("could not read tunnel pidfile %s: %w", pidfilePath, err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("invalid pid in %s: %w", pidfilePath, err)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("tunnel process %d not found: %w", pid, err)
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("could not signal tunnel process %d: %w", pid, err)
		}
		return nil
	}
}
