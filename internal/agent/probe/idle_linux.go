//go:build linux

package probe

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// idleSeconds reads user idle time on Linux. X11 sessions answer via
// xprintidle or xssstate (both report milliseconds); a headless box has no
// input devices to go non-idle, so uptime stands in and the machine counts
// as idle since boot.
func idleSeconds(ctx context.Context) int {
	if ms, ok := runIdleHelper(ctx, "xprintidle"); ok {
		return ms / 1000
	}
	if ms, ok := runIdleHelper(ctx, "xssstate", "-i"); ok {
		return ms / 1000
	}

	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int(uptime)
}

// runIdleHelper executes an X idle helper and parses its integer output.
// DISPLAY defaults to :0 so the helper works from a service context.
func runIdleHelper(ctx context.Context, name string, args ...string) (int, bool) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	if os.Getenv("DISPLAY") == "" {
		cmd.Env = append(cmd.Env, "DISPLAY=:0")
	}

	out, err := cmd.Output()
	if err != nil {
		return 0, false
	}
	ms, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || ms < 0 {
		return 0, false
	}
	return ms, true
}
