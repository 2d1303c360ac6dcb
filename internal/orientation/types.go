// Package orientation implements the IMU sampler and fusion loop (C3,
// spec.md §4.3): a cooperative loop sampling gyro+accel at a configurable
// cadence, optionally low-pass filtering, and integrating into an attitude
// estimate exposed in the operator's chosen format.
package orientation

import "fmt"

// Format selects the representation stored in the latest-orientation slot.
type Format string

const (
	FormatEulerRadians Format = "euler_radians"
	FormatEulerDegrees Format = "euler_degrees"
	FormatQuaternion   Format = "quaternion"
)

// Allowed gyro/accel ranges and data rates (original_source/ExcavatorAPI/
// dataclass_types.py's ExcavatorAPIProperties).
var (
	GyroRanges  = []int{250, 500, 1000, 2000}
	AccelRanges = []int{2, 4, 8, 16}
	DataRates   = []int{104, 208, 416, 833, 1666, 3333, 6666}
)

const (
	TrackingRateMinHz = 1
	TrackingRateMaxHz = 300
)

// TrackerConfig is the orientation_tracker_config.yaml payload (spec.md
// §6).
type TrackerConfig struct {
	GyroDataRateHz  int     `yaml:"gyro_data_rate_hz" json:"gyroDataRateHz"`
	AccelDataRateHz int     `yaml:"accel_data_rate_hz" json:"accelDataRateHz"`
	GyroRangeDps    int     `yaml:"gyro_range_dps" json:"gyroRangeDps"`
	AccelRangeG     int     `yaml:"accel_range_g" json:"accelRangeG"`
	TrackingRateHz  float64 `yaml:"tracking_rate_hz" json:"trackingRateHz"`
	EnableLPF2      bool    `yaml:"enable_lpf2" json:"enableLpf2"`
	EnableSimpleLPF bool    `yaml:"enable_simple_lpf" json:"enableSimpleLpf"`
	Alpha           float64 `yaml:"alpha" json:"alpha"`
	Format          Format  `yaml:"format" json:"format"`
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Validate enforces spec.md §3/§4.3's ranges and enumerations.
func (c TrackerConfig) Validate() error {
	if !containsInt(DataRates, c.GyroDataRateHz) {
		return fmt.Errorf("gyro_data_rate_hz %d not in %v", c.GyroDataRateHz, DataRates)
	}
	if !containsInt(DataRates, c.AccelDataRateHz) {
		return fmt.Errorf("accel_data_rate_hz %d not in %v", c.AccelDataRateHz, DataRates)
	}
	if !containsInt(GyroRanges, c.GyroRangeDps) {
		return fmt.Errorf("gyro_range_dps %d not in %v", c.GyroRangeDps, GyroRanges)
	}
	if !containsInt(AccelRanges, c.AccelRangeG) {
		return fmt.Errorf("accel_range_g %d not in %v", c.AccelRangeG, AccelRanges)
	}
	if c.TrackingRateHz < TrackingRateMinHz || c.TrackingRateHz > TrackingRateMaxHz {
		return fmt.Errorf("tracking_rate_hz %v out of [%d,%d]", c.TrackingRateHz, TrackingRateMinHz, TrackingRateMaxHz)
	}
	if c.EnableSimpleLPF && (c.Alpha <= 0 || c.Alpha >= 1) {
		return fmt.Errorf("alpha %v out of (0,1)", c.Alpha)
	}
	switch c.Format {
	case FormatEulerRadians, FormatEulerDegrees, FormatQuaternion:
	default:
		return fmt.Errorf("format %q not one of euler_radians, euler_degrees, quaternion", c.Format)
	}
	return nil
}

// Sample is the orientation-latest slot's contents (spec.md §3): whichever
// of Euler radians, Euler degrees or quaternion the configured Format
// selects. Readers always see the value stored by the last fusion tick;
// the slot is overwritten as a single atomic whole-value swap.
type Sample struct {
	Format Format
	Euler  [3]float64 // roll, pitch, yaw — radians or degrees per Format
	Quat   [4]float64 // w, x, y, z — populated only when Format is quaternion
}
