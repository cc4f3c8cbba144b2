package main

import (
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"
)

func delPidfile(pidfile string) {
	if _, err := os.Stat(pidfile); err == nil {
		if err := os.Remove(pidfile); err != nil {
			klog.Errorf("%s delete failed: %v", pidfile, err)
		}
	}
}

// setupPIDFile writes the pid, replacing a file left by a dead process.
func setupPIDFile(pidfile string) error {
	pid, err := os.ReadFile(pidfile)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("pidfile %s exists but can't be read: %v", pidfile, err)
	default:
		if _, err := os.Stat("/proc/" + strings.TrimSpace(string(pid)) + "/cmdline"); err == nil {
			return fmt.Errorf("pidfile %s exists and ovsdb-southbound is running", pidfile)
		}
	}
	if err := os.WriteFile(pidfile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		klog.Errorf("Failed to write pidfile %s (%v). Ignoring..", pidfile, err)
	}
	return nil
}
