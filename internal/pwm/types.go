// Package pwm implements the valve/pump PWM driver (spec.md §4.1): it turns
// normalized per-channel commands into I²C PWM peripheral duty cycles,
// applying deadband, gamma shaping, ramp limiting and dither the way
// original_source/ExcavatorAPI/PCA9685_controller.py does, generalized
// behind the Peripheral interface so it needs no real hardware in tests
// (the same split the teacher repo uses for ecu.Provider/gps.Provider).
package pwm

import "fmt"

// DitherConfig is the small sinusoidal perturbation added to a channel's
// pulse to overcome valve stiction.
type DitherConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	AmplitudeUs float64 `yaml:"amplitude_us" json:"amplitudeUs"`
	FrequencyHz float64 `yaml:"frequency_hz" json:"frequencyHz"`
}

// RampConfig bounds how fast a channel's pulse may change between
// consecutive updates (slew limiting).
type RampConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	RateUsPerSec float64 `yaml:"rate_us_per_sec" json:"rateUsPerSec"`
}

// ChannelConfig is one valve output's configuration (spec.md §3).
type ChannelConfig struct {
	Name           string       `yaml:"name" json:"name"`
	OutputIndex    int          `yaml:"output_index" json:"outputIndex"` // 0..15, unique
	PulseMinUs     uint16       `yaml:"pulse_min_us" json:"pulseMinUs"`
	PulseMaxUs     uint16       `yaml:"pulse_max_us" json:"pulseMaxUs"`
	CenterUs       float64      `yaml:"center_us" json:"centerUs"`
	Direction      int          `yaml:"direction" json:"direction"` // +1 or -1
	DeadzonePct    float64      `yaml:"deadzone_pct" json:"deadzonePct"`
	DeadbandPosUs  float64      `yaml:"deadband_us_pos" json:"deadbandUsPos"`
	DeadbandNegUs  float64      `yaml:"deadband_us_neg" json:"deadbandUsNeg"`
	Dither         DitherConfig `yaml:"dither" json:"dither"`
	Ramp           RampConfig   `yaml:"ramp" json:"ramp"`
	Gamma          float64      `yaml:"gamma" json:"gamma"` // (0,5]
	AffectsPump    bool         `yaml:"affects_pump" json:"affectsPump"`
	Toggleable     bool         `yaml:"toggleable" json:"toggleable"`
}

// WorkingRangePos / WorkingRangeNeg are the derived quantities from
// spec.md §3: the physical pulse span available either side of center
// once the deadband has been carved out.
func (c ChannelConfig) WorkingRangePos() float64 {
	return float64(c.PulseMaxUs) - (c.CenterUs + c.DeadbandPosUs)
}

func (c ChannelConfig) WorkingRangeNeg() float64 {
	return (c.CenterUs - c.DeadbandNegUs) - float64(c.PulseMinUs)
}

func (c ChannelConfig) center() float64 {
	if c.CenterUs != 0 {
		return c.CenterUs
	}
	return (float64(c.PulseMinUs) + float64(c.PulseMaxUs)) / 2
}

// PumpConfig is the single pump output's configuration (spec.md §3).
type PumpConfig struct {
	OutputIndex int     `yaml:"output_index" json:"outputIndex"`
	PulseMinUs  uint16  `yaml:"pulse_min_us" json:"pulseMinUs"`
	PulseMaxUs  uint16  `yaml:"pulse_max_us" json:"pulseMaxUs"`
	Idle        float64 `yaml:"idle" json:"idle"`             // [-1, 0.6]
	Multiplier  float64 `yaml:"multiplier" json:"multiplier"` // (0, 1]
}

// ControllerConfig is the full servo_config.yaml payload: one pump plus N
// channels, and the PWM frequency that governs pwm_period_us.
type ControllerConfig struct {
	PWMFrequencyHz float64         `yaml:"pwm_frequency_hz" json:"pwmFrequencyHz"`
	Pump           PumpConfig      `yaml:"pump" json:"pump"`
	Channels       []ChannelConfig `yaml:"channels" json:"channels"`
}

// PeriodUs is the derived PWM period: 10^6 / frequency.
func (c ControllerConfig) PeriodUs() float64 {
	if c.PWMFrequencyHz <= 0 {
		return 0
	}
	return 1_000_000.0 / c.PWMFrequencyHz
}

// PumpName is the reserved channel name the control channel must never
// accept in a remote-drivable channel list (spec.md §4.5).
const PumpName = "pump"

// Validate enforces every invariant in spec.md §3/§4.1: ranges, min<max,
// unique output indices (channels + pump), deadband ≤ span/2, dither
// amplitude ≤ span/4, gamma in (0,5], and that "pump" is never used as a
// channel name.
func (c ControllerConfig) Validate() error {
	if c.PWMFrequencyHz <= 0 {
		return fmt.Errorf("pwm_frequency_hz must be positive")
	}
	period := c.PeriodUs()
	if period < float64(c.Pump.PulseMaxUs) {
		return fmt.Errorf("pwm_period_us (%.1f) must be >= pump pulse_max (%d)", period, c.Pump.PulseMaxUs)
	}

	used := map[int]string{}
	if err := validatePump(c.Pump); err != nil {
		return err
	}
	used[c.Pump.OutputIndex] = PumpName

	seenNames := map[string]bool{}
	for _, ch := range c.Channels {
		if ch.Name == PumpName {
			return fmt.Errorf("channel %q: %q is reserved for the pump and cannot be used as a channel name", ch.Name, PumpName)
		}
		if ch.Name == "" {
			return fmt.Errorf("channel with output_index %d: name must not be empty", ch.OutputIndex)
		}
		if seenNames[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seenNames[ch.Name] = true

		if err := validateChannel(ch, period); err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		if prev, ok := used[ch.OutputIndex]; ok {
			return fmt.Errorf("channel %q: output_index %d already used by %q", ch.Name, ch.OutputIndex, prev)
		}
		used[ch.OutputIndex] = ch.Name
	}
	return nil
}

func validatePump(p PumpConfig) error {
	if p.OutputIndex < 0 || p.OutputIndex > 15 {
		return fmt.Errorf("pump output_index %d out of [0,15]", p.OutputIndex)
	}
	if !(p.PulseMinUs <= 4095 && p.PulseMaxUs <= 4095) {
		return fmt.Errorf("pump pulses must be in [0,4095]")
	}
	if p.PulseMinUs >= p.PulseMaxUs {
		return fmt.Errorf("pump pulse_min (%d) must be < pulse_max (%d)", p.PulseMinUs, p.PulseMaxUs)
	}
	if p.Idle < -1 || p.Idle > 0.6 {
		return fmt.Errorf("pump idle %.3f out of [-1, 0.6]", p.Idle)
	}
	if p.Multiplier <= 0 || p.Multiplier > 1 {
		return fmt.Errorf("pump multiplier %.3f out of (0, 1]", p.Multiplier)
	}
	return nil
}

func validateChannel(c ChannelConfig, periodUs float64) error {
	if c.OutputIndex < 0 || c.OutputIndex > 15 {
		return fmt.Errorf("output_index %d out of [0,15]", c.OutputIndex)
	}
	if !(c.PulseMinUs <= 4095 && c.PulseMaxUs <= 4095) {
		return fmt.Errorf("pulses must be in [0,4095]")
	}
	if c.PulseMinUs >= c.PulseMaxUs {
		return fmt.Errorf("pulse_min (%d) must be < pulse_max (%d)", c.PulseMinUs, c.PulseMaxUs)
	}
	if periodUs < float64(c.PulseMaxUs) {
		return fmt.Errorf("pwm_period_us (%.1f) must be >= pulse_max (%d)", periodUs, c.PulseMaxUs)
	}
	center := c.center()
	if center < float64(c.PulseMinUs) || center > float64(c.PulseMaxUs) {
		return fmt.Errorf("center %.1f out of [%d,%d]", center, c.PulseMinUs, c.PulseMaxUs)
	}
	if c.Direction != 1 && c.Direction != -1 {
		return fmt.Errorf("direction must be +1 or -1, got %d", c.Direction)
	}
	if c.DeadzonePct < 0 || c.DeadzonePct > 100 {
		return fmt.Errorf("deadzone_pct %.2f out of [0,100]", c.DeadzonePct)
	}
	span := float64(c.PulseMaxUs-c.PulseMinUs) / 2
	if c.DeadbandPosUs < 0 || c.DeadbandPosUs > span {
		return fmt.Errorf("deadband_us_pos %.1f must be in [0, span/2=%.1f]", c.DeadbandPosUs, span)
	}
	if c.DeadbandNegUs < 0 || c.DeadbandNegUs > span {
		return fmt.Errorf("deadband_us_neg %.1f must be in [0, span/2=%.1f]", c.DeadbandNegUs, span)
	}
	if c.Dither.Enabled {
		quarter := float64(c.PulseMaxUs-c.PulseMinUs) / 4
		if c.Dither.AmplitudeUs < 0 || c.Dither.AmplitudeUs > quarter {
			return fmt.Errorf("dither amplitude_us %.1f must be in [0, span/4=%.1f]", c.Dither.AmplitudeUs, quarter)
		}
		if c.Dither.FrequencyHz <= 0 || c.Dither.FrequencyHz > 200 {
			return fmt.Errorf("dither frequency_hz %.1f out of (0,200]", c.Dither.FrequencyHz)
		}
	}
	if c.Ramp.Enabled && c.Ramp.RateUsPerSec <= 0 {
		return fmt.Errorf("ramp rate_us_per_sec must be > 0 when ramp is enabled")
	}
	if c.Gamma <= 0 || c.Gamma > 5 {
		return fmt.Errorf("gamma %.2f out of (0,5]", c.Gamma)
	}
	return nil
}
