package pwm

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// ComputePulse is the pure, no-I/O preview helper spec.md §4.1 calls out
// for tests: deadzone gating, gamma shaping and deadband compression, with
// no ramp/dither applied (those need runtime state and a clock). Given a
// fixed ChannelConfig and value it is deterministic.
func ComputePulse(c ChannelConfig, value float64) float64 {
	v := clampF(value, -1, 1)
	s := v * float64(c.Direction)
	center := c.center()

	threshold := c.DeadzonePct / 100.0
	if math.Abs(v) < threshold {
		return center
	}

	shaped := sign(s) * math.Pow(math.Abs(s), c.Gamma)

	var pulse float64
	switch {
	case shaped > 0:
		base := center + c.DeadbandPosUs
		pulse = base + shaped*(float64(c.PulseMaxUs)-base)
	case shaped < 0:
		base := center - c.DeadbandNegUs
		pulse = base - (-shaped)*(base-float64(c.PulseMinUs))
	default:
		pulse = center
	}
	return clampF(pulse, float64(c.PulseMinUs), float64(c.PulseMaxUs))
}

// channelState is the per-channel runtime state from spec.md §3: last
// applied normalized value, last emitted pulse, last ramp timestamp.
type channelState struct {
	lastValue   float64
	lastPulseUs float64
	lastUpdate  time.Time
	lastDt      float64 // seconds; 0 until two ticks have been observed
	hasLast     bool
}

func (s *channelState) resetToCenter(center float64) {
	s.lastValue = 0
	s.lastPulseUs = center
	s.lastUpdate = time.Time{}
	s.lastDt = 0
	s.hasLast = false
}

// Driver is the PWM valve/pump controller (C1 in spec.md §4.1).
type Driver struct {
	mu    sync.Mutex
	periph Peripheral
	clock func() time.Time

	cfg      ControllerConfig
	periodUs float64
	epoch    time.Time

	states   map[string]*channelState
	byName   map[string]ChannelConfig
	pumpState channelState

	pumpOverride     *float64
	variablePumpMode bool
	manualLoadBias   float64
}

// NewDriver validates cfg and constructs a Driver writing to periph. The
// PWM peripheral must already be able to accept SetFrequency/SetDutyCycle
// calls; NewDriver calls SetFrequency(cfg.PWMFrequencyHz) once.
func NewDriver(cfg ControllerConfig, periph Peripheral) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pwm: invalid config: %w", err)
	}
	if err := periph.SetFrequency(cfg.PWMFrequencyHz); err != nil {
		return nil, fmt.Errorf("pwm: set frequency: %w", err)
	}
	d := &Driver{
		periph: periph,
		clock:  time.Now,
	}
	d.loadConfigLocked(cfg)
	return d, nil
}

func (d *Driver) loadConfigLocked(cfg ControllerConfig) {
	d.cfg = cfg
	d.periodUs = cfg.PeriodUs()
	d.epoch = d.clock()
	d.states = make(map[string]*channelState, len(cfg.Channels))
	d.byName = make(map[string]ChannelConfig, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		d.byName[ch.Name] = ch
		st := &channelState{}
		st.resetToCenter(ch.center())
		d.states[ch.Name] = st
	}
	d.pumpState.resetToCenter(float64(cfg.Pump.PulseMinUs))
	d.pumpOverride = nil
}

// ReloadConfig atomically replaces channel/pump configs and resets runtime
// state (spec.md §4.1 reload_config).
func (d *Driver) ReloadConfig(cfg ControllerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("pwm: invalid config: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.periph.SetFrequency(cfg.PWMFrequencyHz); err != nil {
		return fmt.Errorf("pwm: set frequency: %w", err)
	}
	d.loadConfigLocked(cfg)
	return nil
}

// SetVariablePumpMode toggles whether pump throttle derives from the sum of
// affects_pump channel magnitudes (true) or stays at idle+multiplier/10.
func (d *Driver) SetVariablePumpMode(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.variablePumpMode = on
}

// SetManualLoadBias sets the persistent operator bias term added to the
// pump throttle every cycle (spec.md §4.1, SPEC_FULL.md §6).
func (d *Driver) SetManualLoadBias(bias float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manualLoadBias = clampF(bias, -1, 1)
}

// ApplyCommands is spec.md §4.1's apply_commands: clamps each value, gates
// the input deadzone, recomputes pump throttle, and writes every channel's
// duty cycle to the peripheral. Unknown channel names are logged and
// skipped, never an error; only a peripheral write failure is returned.
func (d *Driver) ApplyCommands(commands map[string]float64, zeroUnnamed bool, oneShotPumpOverride *float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()

	for name := range commands {
		if _, ok := d.byName[name]; !ok {
			log.Printf("[pwm] apply_commands: unknown channel %q, skipping", name)
		}
	}

	var pumpLoadSum float64
	for _, ch := range d.cfg.Channels {
		value, given := commands[ch.Name]
		if !given {
			if zeroUnnamed {
				value = 0
			} else {
				value = d.states[ch.Name].lastValue
			}
		}
		value = clampF(value, -1, 1)

		pulse := d.computeChannelPulse(ch, value, now)
		if err := d.writeChannel(ch, pulse); err != nil {
			return fmt.Errorf("pwm: write channel %q: %w", ch.Name, err)
		}

		st := d.states[ch.Name]
		st.lastValue = value
		if ch.AffectsPump {
			pumpLoadSum += math.Abs(value)
		}
	}

	if oneShotPumpOverride != nil {
		d.pumpOverride = oneShotPumpOverride
	}

	throttle := d.computePumpThrottle(pumpLoadSum)
	d.pumpOverride = nil

	pumpPulse := float64(d.cfg.Pump.PulseMinUs) + (float64(d.cfg.Pump.PulseMaxUs)-float64(d.cfg.Pump.PulseMinUs))*(throttle+1)/2
	pumpPulse = clampF(pumpPulse, float64(d.cfg.Pump.PulseMinUs), float64(d.cfg.Pump.PulseMaxUs))
	if err := d.writeRaw(d.cfg.Pump.OutputIndex, pumpPulse); err != nil {
		return fmt.Errorf("pwm: write pump: %w", err)
	}
	d.pumpState.lastPulseUs = pumpPulse

	return nil
}

func (d *Driver) computePumpThrottle(loadSum float64) float64 {
	var throttle float64
	switch {
	case d.pumpOverride != nil:
		throttle = clampF(*d.pumpOverride, -1, 1)
	case d.variablePumpMode:
		throttle = d.cfg.Pump.Idle + d.cfg.Pump.Multiplier*(loadSum/10)
	default:
		throttle = d.cfg.Pump.Idle + d.cfg.Pump.Multiplier/10
	}
	throttle += d.manualLoadBias
	return clampF(throttle, -1, 1)
}

// computeChannelPulse layers ramp limiting and dither on top of the pure
// ComputePulse base, using the channel's runtime state and a monotonic-ish
// clock (spec.md §9: ramp's "dt ≤ 2·prev_dt" rule must use a monotonic
// clock, never wall-clock deltas that can jump backwards).
func (d *Driver) computeChannelPulse(ch ChannelConfig, value float64, now time.Time) float64 {
	base := ComputePulse(ch, value)
	st := d.states[ch.Name]

	target := base
	if ch.Ramp.Enabled && st.hasLast {
		dt := now.Sub(st.lastUpdate).Seconds()
		if st.lastDt > 0 && dt > 2*st.lastDt {
			dt = 2 * st.lastDt
		}
		maxStep := ch.Ramp.RateUsPerSec * dt
		delta := clampF(base-st.lastPulseUs, -maxStep, maxStep)
		target = st.lastPulseUs + delta
		st.lastDt = dt
	}

	if ch.Dither.Enabled {
		t := now.Sub(d.epoch).Seconds()
		phi := float64(ch.OutputIndex) * (math.Pi / 3)
		target += ch.Dither.AmplitudeUs * math.Sin(2*math.Pi*ch.Dither.FrequencyHz*t+phi)
	}

	target = clampF(target, float64(ch.PulseMinUs), float64(ch.PulseMaxUs))
	st.lastPulseUs = target
	st.lastUpdate = now
	st.hasLast = true
	return target
}

func (d *Driver) writeChannel(ch ChannelConfig, pulseUs float64) error {
	return d.writeRaw(ch.OutputIndex, pulseUs)
}

func (d *Driver) writeRaw(outputIndex int, pulseUs float64) error {
	duty := uint16(math.Round(pulseUs / d.periodUs * 65535))
	return d.periph.SetDutyCycle(outputIndex, duty)
}

// Reset writes every channel's center pulse, and the pump's pulse_min if
// resetPump is set, clearing any one-shot override (spec.md §4.1 reset).
func (d *Driver) Reset(resetPump bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range d.cfg.Channels {
		center := ch.center()
		if err := d.writeChannel(ch, center); err != nil {
			return fmt.Errorf("pwm: reset channel %q: %w", ch.Name, err)
		}
		d.states[ch.Name].resetToCenter(center)
	}
	d.pumpOverride = nil
	if resetPump {
		if err := d.writeRaw(d.cfg.Pump.OutputIndex, float64(d.cfg.Pump.PulseMinUs)); err != nil {
			return fmt.Errorf("pwm: reset pump: %w", err)
		}
		d.pumpState.resetToCenter(float64(d.cfg.Pump.PulseMinUs))
	}
	return nil
}

// LastPulse returns the last pulse written to a channel, for diagnostics
// and tests.
func (d *Driver) LastPulse(name string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[name]
	if !ok {
		return 0, false
	}
	return st.lastPulseUs, true
}

// LastPumpPulse returns the last pulse written to the pump channel, for
// diagnostics and telemetry.
func (d *Driver) LastPumpPulse() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pumpState.lastPulseUs
}

// PeriodUs exposes the derived pwm_period_us for tests and status reporting.
func (d *Driver) PeriodUs() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.periodUs
}

// ChannelNames returns the configured channel names, excluding "pump".
func (d *Driver) ChannelNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.cfg.Channels))
	for _, ch := range d.cfg.Channels {
		names = append(names, ch.Name)
	}
	return names
}

// Close releases the underlying peripheral handle.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.periph.Close()
}
