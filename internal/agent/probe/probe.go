// Package probe reads the host signals the agent reports: idle seconds,
// CPU and memory utilization, and the machine identity used for
// registration. Idle detection is platform-specific (see the per-OS files);
// utilization comes from gopsutil. Every probe is bounded by a short
// timeout and degrades to a zero value instead of failing the heartbeat.
package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// probeTimeout bounds every external probe call. A wedged X helper or WMI
// query must not stall the heartbeat loop.
const probeTimeout = 5 * time.Second

// Sample is one reading of the host's idle and utilization state.
// CPUUsage and MemoryUsage are nil when the probe failed; the server
// treats them as "not reported".
type Sample struct {
	IdleSeconds int
	CPUUsage    *float64
	MemoryUsage *float64
}

// Identity describes the host for registration.
type Identity struct {
	Fingerprint string // primary MAC, uppercase colon-separated
	Hostname    string
	OSType      string // Windows, Linux or macOS
	OSVersion   string
}

// Collect takes one sample. Probe failures are logged at debug and leave
// the corresponding field at its zero value; a machine that cannot be
// measured reports idle 0 rather than nothing at all.
func Collect(ctx context.Context, logger *zap.Logger) Sample {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	s := Sample{IdleSeconds: idleSeconds(ctx)}

	// Interval 0 compares against the previous call, so the loop cadence
	// itself provides the measurement window after the first sample.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		v := round1(percents[0])
		s.CPUUsage = &v
	} else if err != nil {
		logger.Debug("cpu probe failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		v := round1(vm.UsedPercent)
		s.MemoryUsage = &v
	} else {
		logger.Debug("memory probe failed", zap.Error(err))
	}

	return s
}

// Describe resolves the host identity. The fingerprint is the MAC of the
// first usable non-loopback interface; without one the agent cannot
// register.
func Describe(ctx context.Context) (Identity, error) {
	fp, err := primaryMAC()
	if err != nil {
		return Identity{}, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("probe: reading hostname: %w", err)
	}

	id := Identity{
		Fingerprint: fp,
		Hostname:    hostname,
		OSType:      osType(),
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if info, err := host.InfoWithContext(ctx); err == nil {
		id.OSVersion = info.Platform + " " + info.PlatformVersion
	} else {
		id.OSVersion = runtime.GOOS
	}

	return id, nil
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface carrying a 48-bit MAC.
func primaryMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("probe: listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		if isZeroMAC(iface.HardwareAddr) {
			continue
		}
		return formatMAC(iface.HardwareAddr), nil
	}
	return "", fmt.Errorf("probe: no usable network interface found")
}

func isZeroMAC(addr net.HardwareAddr) bool {
	for _, b := range addr {
		if b != 0 {
			return false
		}
	}
	return true
}

func formatMAC(addr net.HardwareAddr) string {
	out := make([]byte, 0, 17)
	const hexdigits = "0123456789ABCDEF"
	for i, b := range addr {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexdigits[b>>4], hexdigits[b&0x0F])
	}
	return string(out)
}

func osType() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	default:
		return runtime.GOOS
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
