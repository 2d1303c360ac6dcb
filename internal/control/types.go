// Package control implements the control channel (C5, spec.md §4.5): a
// JSON-over-WebSocket command/response channel, grounded on the teacher's
// handleWS writer/reader goroutine pair in internal/server/server.go, with
// inbound actions represented as a tagged sum type (spec.md §9's design
// note) instead of dynamic string-keyed dispatch.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/excavator-teleop/server/internal/pwm"
)

// Subject names one of the four config registry subjects (spec.md §4.7).
type Subject string

const (
	SubjectPWM         Subject = "pwm_controller"
	SubjectScreen      Subject = "screen"
	SubjectOrientation Subject = "orientation_tracker"
	SubjectExcavator   Subject = "excavator"
)

// Action is the tagged variant of every accepted inbound command
// (spec.md §4.5/§6). Each concrete type carries only the fields its
// action needs; Name returns the wire action string for logging.
type Action interface {
	Name() string
}

type ScreenMessageAction struct{ Message string }

func (ScreenMessageAction) Name() string { return "screen_message" }

type StartScreenAction struct{}

func (StartScreenAction) Name() string { return "start_screen" }

type StopScreenAction struct{}

func (StopScreenAction) Name() string { return "stop_screen" }

type StartMirroringAction struct{}

func (StartMirroringAction) Name() string { return "start_mirroring" }

type StopMirroringAction struct{}

func (StopMirroringAction) Name() string { return "stop_mirroring" }

type StartDrivingAction struct{}

func (StartDrivingAction) Name() string { return "start_driving" }

type StopDrivingAction struct{}

func (StopDrivingAction) Name() string { return "stop_driving" }

type StartDrivingAndMirroringAction struct{}

func (StartDrivingAndMirroringAction) Name() string { return "start_driving_and_mirroring" }

type StopDrivingAndMirroringAction struct{}

func (StopDrivingAndMirroringAction) Name() string { return "stop_driving_and_mirroring" }

type AddPWMChannelAction struct{ Channel pwm.ChannelConfig }

func (AddPWMChannelAction) Name() string { return "add_pwm_channel" }

type RemovePWMChannelAction struct{ ChannelName string }

func (RemovePWMChannelAction) Name() string { return "remove_pwm_channel" }

// ConfigureAction carries a raw JSON patch to be deep-merged into the
// named subject's current config (mirroring the teacher's
// Config.UpdateFromJSON deep-merge, generalized to 4 subjects).
type ConfigureAction struct {
	Subject Subject
	Patch   json.RawMessage
}

func (a ConfigureAction) Name() string { return "configure_" + string(a.Subject) }

type GetConfigAction struct{ Subject Subject }

func (a GetConfigAction) Name() string { return "get_" + string(a.Subject) + "_config" }

// StatusTarget names what a status_* action asks about.
type StatusTarget string

const (
	StatusCoordinator StatusTarget = "coordinator"
	StatusPWM         StatusTarget = "pwm"
	StatusSession     StatusTarget = "session"
	StatusOrientation StatusTarget = "orientation"
)

type StatusAction struct{ Target StatusTarget }

func (a StatusAction) Name() string { return "status_" + string(a.Target) }

// SetManualLoadBiasAction is supplemented from original_source's
// pwm_controller_prac.py manual-load usage (spec.md's Non-goals don't
// exclude it, and §4.1's pump throttle formula names a manual-load bias
// term with no action wired to it in the distilled spec).
type SetManualLoadBiasAction struct{ Bias float64 }

func (SetManualLoadBiasAction) Name() string { return "set_manual_load_bias" }

// envelope is the wire shape {"action": <name>, ...params}.
type envelope struct {
	Action  string          `json:"action"`
	Message string          `json:"message,omitempty"`
	Channel json.RawMessage `json:"channel,omitempty"`
	Name    string          `json:"name,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
	Bias    *float64        `json:"bias,omitempty"`
}

var statusTargets = map[string]StatusTarget{
	"status_coordinator": StatusCoordinator,
	"status_pwm":         StatusPWM,
	"status_session":     StatusSession,
	"status_orientation": StatusOrientation,
}

var configureSubjects = map[string]Subject{
	"configure_pwm_controller":      SubjectPWM,
	"configure_screen":              SubjectScreen,
	"configure_orientation_tracker": SubjectOrientation,
	"configure_excavator":           SubjectExcavator,
}

var getConfigSubjects = map[string]Subject{
	"get_pwm_controller_config": SubjectPWM,
	"get_screen_config":         SubjectScreen,
	"get_orientation_tracker_config": SubjectOrientation,
	"get_excavator_config":      SubjectExcavator,
}

// ParseAction decodes a single inbound frame into its tagged Action,
// the one match point spec.md §9 calls for in place of reflective
// string-keyed dispatch.
func ParseAction(raw []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("control: malformed frame: %w", err)
	}

	switch env.Action {
	case "screen_message":
		return ScreenMessageAction{Message: env.Message}, nil
	case "start_screen":
		return StartScreenAction{}, nil
	case "stop_screen":
		return StopScreenAction{}, nil
	case "start_mirroring":
		return StartMirroringAction{}, nil
	case "stop_mirroring":
		return StopMirroringAction{}, nil
	case "start_driving":
		return StartDrivingAction{}, nil
	case "stop_driving":
		return StopDrivingAction{}, nil
	case "start_driving_and_mirroring":
		return StartDrivingAndMirroringAction{}, nil
	case "stop_driving_and_mirroring":
		return StopDrivingAndMirroringAction{}, nil
	case "add_pwm_channel":
		var ch pwm.ChannelConfig
		if len(env.Channel) > 0 {
			normalized, err := NormalizeJSON(env.Channel)
			if err != nil {
				return nil, fmt.Errorf("control: add_pwm_channel: %w", err)
			}
			if err := json.Unmarshal(normalized, &ch); err != nil {
				return nil, fmt.Errorf("control: add_pwm_channel: %w", err)
			}
		}
		return AddPWMChannelAction{Channel: ch}, nil
	case "remove_pwm_channel":
		return RemovePWMChannelAction{ChannelName: env.Name}, nil
	case "set_manual_load_bias":
		if env.Bias == nil {
			return nil, fmt.Errorf("control: set_manual_load_bias requires a bias value")
		}
		return SetManualLoadBiasAction{Bias: *env.Bias}, nil
	default:
		if subject, ok := configureSubjects[env.Action]; ok {
			return ConfigureAction{Subject: subject, Patch: env.Config}, nil
		}
		if subject, ok := getConfigSubjects[env.Action]; ok {
			return GetConfigAction{Subject: subject}, nil
		}
		if target, ok := statusTargets[env.Action]; ok {
			return StatusAction{Target: target}, nil
		}
		return nil, fmt.Errorf("control: unknown action %q", env.Action)
	}
}
