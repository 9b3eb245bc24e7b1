// Package energy converts raw idle telemetry into bounded energy, cost, and
// CO₂ increments. Each heartbeat credits at most one reporting interval's
// worth of idle draw, so retransmitted or overlapping idle counters can
// never double-count.
package energy

// Defaults mirror a typical office desktop on EU/US grid averages.
const (
	DefaultIdlePowerWatts  = 65.0  // draw of an idle desktop, watts
	DefaultCostPerKWh      = 0.12  // USD
	DefaultCO2KgPerKWh     = 0.386 // grid average emission factor
	DefaultIdleThresholdS  = 300   // seconds of inactivity before "idle"
	DefaultIntervalSeconds = 60    // assumed heartbeat cadence
)

// Calculator holds the fleet-wide accounting knobs. A zero value is not
// usable; construct with NewCalculator to get defaults for unset fields.
type Calculator struct {
	IdlePowerWatts  float64
	CostPerKWh      float64
	CO2KgPerKWh     float64
	IdleThresholdS  int
	IntervalSeconds int
}

// NewCalculator fills unset (zero) fields with the package defaults.
func NewCalculator(c Calculator) Calculator {
	if c.IdlePowerWatts <= 0 {
		c.IdlePowerWatts = DefaultIdlePowerWatts
	}
	if c.CostPerKWh <= 0 {
		c.CostPerKWh = DefaultCostPerKWh
	}
	if c.CO2KgPerKWh <= 0 {
		c.CO2KgPerKWh = DefaultCO2KgPerKWh
	}
	if c.IdleThresholdS <= 0 {
		c.IdleThresholdS = DefaultIdleThresholdS
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = DefaultIntervalSeconds
	}
	return c
}

// Delta is the increment a single heartbeat contributes to a machine's
// cumulative totals.
type Delta struct {
	// CreditedSeconds is the idle time actually credited for this interval:
	// the reported idle_seconds capped at one heartbeat interval.
	CreditedSeconds int

	EnergyKWh float64
	CostUSD   float64
	CO2Kg     float64

	// IsIdle is the classification flag: reported idle time has reached the
	// idle threshold. It gates the machine's status, not the energy credit.
	IsIdle bool
}

// Classify reports whether the given idle duration crosses the idle
// threshold. The boundary itself counts as idle.
func (c Calculator) Classify(idleSeconds int) bool {
	return idleSeconds >= c.IdleThresholdS
}

// Compute derives the bounded increment for one heartbeat.
//
// The credited idle time is min(idle_seconds, interval): the machine cannot
// have idled longer than the interval since the previous heartbeat, and a
// counter that kept growing across many heartbeats would otherwise be
// re-credited every time. energy = credited × watts / 3.6e6 (seconds×W to
// kWh); cost and CO₂ scale linearly from it.
func (c Calculator) Compute(idleSeconds int) Delta {
	credited := idleSeconds
	if credited > c.IntervalSeconds {
		credited = c.IntervalSeconds
	}
	if credited < 0 {
		credited = 0
	}

	kwh := float64(credited) * c.IdlePowerWatts / 3_600_000

	return Delta{
		CreditedSeconds: credited,
		EnergyKWh:       kwh,
		CostUSD:         kwh * c.CostPerKWh,
		CO2Kg:           kwh * c.CO2KgPerKWh,
		IsIdle:          c.Classify(idleSeconds),
	}
}
