// Package config implements the config registry (C7, spec.md §4.7):
// in-memory current configs for {PWM, Orientation, Screen, Excavator}
// with validated replace/reload and serialized per-subject "busy" flags,
// generalized from the teacher's single Config/UpdateFromJSON/Save
// pattern in internal/server/config.go.
package config

import "fmt"

// ScreenConfig is screen_config.yaml's payload (spec.md §6). The screen
// renderer itself is out of scope (spec.md §1's Non-goals); only its
// validated configuration is this package's concern.
type ScreenConfig struct {
	RenderTime     float64 `yaml:"render_time" json:"renderTime"`
	FontSizeHeader int     `yaml:"font_size_header" json:"fontSizeHeader"`
	FontSizeBody   int     `yaml:"font_size_body" json:"fontSizeBody"`
}

const (
	RenderTimeMin = 0.1
	RenderTimeMax = 1000.0
	FontSizeMin   = 1
	FontSizeMax   = 30
)

func (c ScreenConfig) Validate() error {
	if c.RenderTime < RenderTimeMin || c.RenderTime > RenderTimeMax {
		return fmt.Errorf("render_time %v out of [%v,%v]", c.RenderTime, RenderTimeMin, RenderTimeMax)
	}
	if c.FontSizeHeader < FontSizeMin || c.FontSizeHeader > FontSizeMax {
		return fmt.Errorf("font_size_header %d out of [%d,%d]", c.FontSizeHeader, FontSizeMin, FontSizeMax)
	}
	if c.FontSizeBody < FontSizeMin || c.FontSizeBody > FontSizeMax {
		return fmt.Errorf("font_size_body %d out of [%d,%d]", c.FontSizeBody, FontSizeMin, FontSizeMax)
	}
	return nil
}

// ExcavatorConfig is excavator_config.yaml's payload.
type ExcavatorConfig struct {
	HasScreen bool `yaml:"has_screen" json:"hasScreen"`
}

func (c ExcavatorConfig) Validate() error { return nil }
