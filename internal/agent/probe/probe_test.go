package probe

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFormatMAC(t *testing.T) {
	addr := net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}
	require.Equal(t, "00:1A:2B:3C:4D:5E", formatMAC(addr))
}

func TestIsZeroMAC(t *testing.T) {
	require.True(t, isZeroMAC(net.HardwareAddr{0, 0, 0, 0, 0, 0}))
	require.False(t, isZeroMAC(net.HardwareAddr{0, 0, 0, 0, 0, 1}))
	require.False(t, isZeroMAC(net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}))
}

func TestRound1(t *testing.T) {
	require.InDelta(t, 42.5, round1(42.49), 1e-9)
	require.InDelta(t, 42.4, round1(42.44), 1e-9)
	require.InDelta(t, 100.0, round1(99.96), 1e-9)
	require.Zero(t, round1(0))
}

func TestCollectReturnsBoundedSample(t *testing.T) {
	s := Collect(context.Background(), zaptest.NewLogger(t))

	require.GreaterOrEqual(t, s.IdleSeconds, 0)
	if s.CPUUsage != nil {
		require.GreaterOrEqual(t, *s.CPUUsage, 0.0)
		require.LessOrEqual(t, *s.CPUUsage, 100.0)
	}
	if s.MemoryUsage != nil {
		require.GreaterOrEqual(t, *s.MemoryUsage, 0.0)
		require.LessOrEqual(t, *s.MemoryUsage, 100.0)
	}
}
