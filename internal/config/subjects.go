package config

import (
	"path/filepath"

	"github.com/excavator-teleop/server/internal/orientation"
	"github.com/excavator-teleop/server/internal/pwm"
)

// servoConfig is servo_config.yaml's payload: the pump block plus every
// channel block (spec.md §6), wrapping pwm.ControllerConfig so it
// satisfies Validated without pwm importing this package.
type servoConfig struct {
	pwm.ControllerConfig `yaml:",inline" json:",inline"`
}

func (c servoConfig) Validate() error { return c.ControllerConfig.Validate() }

// trackerConfig wraps orientation.TrackerConfig the same way.
type trackerConfig struct {
	orientation.TrackerConfig `yaml:",inline" json:",inline"`
}

func (c trackerConfig) Validate() error { return c.TrackerConfig.Validate() }

// Registry is the config registry (C7): current, validated configs for
// the four subjects spec.md §4.7 names, each independently loadable,
// replaceable, and reloadable.
type Registry struct {
	PWM         *subject[servoConfig]
	Orientation *subject[trackerConfig]
	Screen      *subject[ScreenConfig]
	Excavator   *subject[ExcavatorConfig]
}

// Reloaders lets the caller wire each subject's live-reload callback
// (e.g. pwm.Driver.ReloadConfig, orientation.Loop.SetConfig) without this
// package depending on the coordinator.
type Reloaders struct {
	PWM         func(pwm.ControllerConfig) error
	Orientation func(orientation.TrackerConfig) error
	Screen      func(ScreenConfig) error
	Excavator   func(ExcavatorConfig) error
}

// New constructs a Registry rooted at entryPoint/config/ (spec.md §6's
// "<entry_point>/config/"), with defaults for any file that doesn't yet
// exist, loading whichever do.
func New(entryPoint string, defaults struct {
	PWM         pwm.ControllerConfig
	Orientation orientation.TrackerConfig
	Screen      ScreenConfig
	Excavator   ExcavatorConfig
}, reload Reloaders) (*Registry, error) {
	dir := filepath.Join(entryPoint, "config")

	r := &Registry{
		PWM: newSubject(filepath.Join(dir, "servo_config.yaml"), servoConfig{defaults.PWM}, func(v servoConfig) error {
			if reload.PWM == nil {
				return nil
			}
			return reload.PWM(v.ControllerConfig)
		}),
		Orientation: newSubject(filepath.Join(dir, "orientation_tracker_config.yaml"), trackerConfig{defaults.Orientation}, func(v trackerConfig) error {
			if reload.Orientation == nil {
				return nil
			}
			return reload.Orientation(v.TrackerConfig)
		}),
		Screen: newSubject(filepath.Join(dir, "screen_config.yaml"), defaults.Screen, func(v ScreenConfig) error {
			if reload.Screen == nil {
				return nil
			}
			return reload.Screen(v)
		}),
		Excavator: newSubject(filepath.Join(dir, "excavator_config.yaml"), defaults.Excavator, func(v ExcavatorConfig) error {
			if reload.Excavator == nil {
				return nil
			}
			return reload.Excavator(v)
		}),
	}

	for _, err := range []error{
		r.PWM.load(),
		r.Orientation.load(),
		r.Screen.load(),
		r.Excavator.load(),
	} {
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}
