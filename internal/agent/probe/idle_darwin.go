//go:build darwin

package probe

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
)

// hidIdlePattern extracts the HIDIdleTime registry property, reported in
// nanoseconds.
var hidIdlePattern = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

// idleSeconds reads user idle time on macOS from the IOKit HID subsystem.
func idleSeconds(ctx context.Context) int {
	out, err := exec.CommandContext(ctx, "ioreg", "-c", "IOHIDSystem").Output()
	if err != nil {
		return 0
	}

	match := hidIdlePattern.FindSubmatch(out)
	if match == nil {
		return 0
	}
	nanos, err := strconv.ParseInt(string(match[1]), 10, 64)
	if err != nil {
		return 0
	}
	return int(nanos / 1_000_000_000)
}
