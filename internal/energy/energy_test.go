package energy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCalculatorFillsDefaults(t *testing.T) {
	c := NewCalculator(Calculator{})

	require.Equal(t, DefaultIdlePowerWatts, c.IdlePowerWatts)
	require.Equal(t, DefaultCostPerKWh, c.CostPerKWh)
	require.Equal(t, DefaultCO2KgPerKWh, c.CO2KgPerKWh)
	require.Equal(t, DefaultIdleThresholdS, c.IdleThresholdS)
	require.Equal(t, DefaultIntervalSeconds, c.IntervalSeconds)
}

func TestNewCalculatorKeepsExplicitValues(t *testing.T) {
	c := NewCalculator(Calculator{IdlePowerWatts: 120, IdleThresholdS: 600})

	require.Equal(t, 120.0, c.IdlePowerWatts)
	require.Equal(t, 600, c.IdleThresholdS)
	require.Equal(t, DefaultCostPerKWh, c.CostPerKWh)
}

func TestClassify(t *testing.T) {
	c := NewCalculator(Calculator{})

	tests := []struct {
		name        string
		idleSeconds int
		want        bool
	}{
		{"zero", 0, false},
		{"just below threshold", 299, false},
		{"exactly at threshold", 300, true},
		{"well past threshold", 7200, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, c.Classify(tt.idleSeconds))
		})
	}
}

func TestComputeCreditsAtMostOneInterval(t *testing.T) {
	c := NewCalculator(Calculator{})

	tests := []struct {
		name         string
		idleSeconds  int
		wantCredited int
		wantIdle     bool
	}{
		{"active machine, no idle", 0, 0, false},
		{"short idle below interval", 30, 30, false},
		{"exactly one interval", 60, 60, false},
		{"ten minutes idle, credit capped", 600, 60, true},
		{"day-long counter, credit capped", 86400, 60, true},
		{"negative counter clamps to zero", -5, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Compute(tt.idleSeconds)

			require.Equal(t, tt.wantCredited, d.CreditedSeconds)
			require.Equal(t, tt.wantIdle, d.IsIdle)

			wantKWh := float64(tt.wantCredited) * c.IdlePowerWatts / 3_600_000
			require.InDelta(t, wantKWh, d.EnergyKWh, 1e-12)
			require.InDelta(t, wantKWh*c.CostPerKWh, d.CostUSD, 1e-12)
			require.InDelta(t, wantKWh*c.CO2KgPerKWh, d.CO2Kg, 1e-12)
		})
	}
}

// A ten-minute idle streak at the defaults credits one 60s interval of a
// 65 W draw: 60 * 65 / 3.6e6 ≈ 0.0010833 kWh.
func TestComputeKnownValue(t *testing.T) {
	c := NewCalculator(Calculator{})

	d := c.Compute(600)

	require.Equal(t, 60, d.CreditedSeconds)
	require.InDelta(t, 0.0010833, d.EnergyKWh, 1e-7)
	require.True(t, d.IsIdle)
}
