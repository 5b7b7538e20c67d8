package device

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// KillDeviceHolders terminates processes holding a camera device node so a
// fresh open can succeed (stale capture processes are the usual culprit).
// Returns true if any holder was signalled. No-op when enabled is false.
//
// Strategy: find PIDs with lsof -t (fuser -v as fallback), skip our own PID,
// SIGTERM, wait a short grace period, SIGKILL survivors.
func KillDeviceHolders(path string, enabled bool) bool {
	return killDeviceHolders(path, enabled, 400*time.Millisecond)
}

func killDeviceHolders(path string, enabled bool, grace time.Duration) bool {
	if !enabled {
		return false
	}

	pids := pidsFromLsof(path)
	if len(pids) == 0 {
		pids = pidsFromFuser(path)
	}
	delete(pids, os.Getpid())
	if len(pids) == 0 {
		return false
	}

	slog.Warn("freeing busy device node", "path", path, "holders", len(pids))

	for pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			slog.Debug("SIGTERM failed", "pid", pid, "err", err)
		}
	}
	time.Sleep(grace)
	for pid := range pids {
		if syscall.Kill(pid, 0) != nil {
			continue // already gone
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			slog.Debug("SIGKILL failed", "pid", pid, "err", err)
		}
	}
	return true
}

func pidsFromLsof(path string) map[int]struct{} {
	pids := make(map[int]struct{})
	for _, line := range strings.Split(runQuiet("lsof", "-t", path), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			pids[pid] = struct{}{}
		}
	}
	return pids
}

var pidPattern = regexp.MustCompile(`\b(\d+)\b`)

func pidsFromFuser(path string) map[int]struct{} {
	pids := make(map[int]struct{})
	for _, m := range pidPattern.FindAllString(runQuiet("fuser", "-v", path), -1) {
		if pid, err := strconv.Atoi(m); err == nil && pid > 0 {
			pids[pid] = struct{}{}
		}
	}
	return pids
}

// runQuiet executes a command with a 2s timeout; failures yield "".
func runQuiet(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
