package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/excavator-teleop/server/internal/pwm"
)

// Rate bounds from original_source/ExcavatorAPI/dataclass_types.py's
// ExcavatorAPIProperties: MIN_RATE/MAX_RATE bound every configurable rate;
// the mirroring send and driving command rates carry tighter per-use-site
// caps on top of that.
const (
	MinRateHz = 0.1
	MaxRateHz = 300.0

	MirroringSendMaxRateHz  = 150.0
	DrivingCommandMaxRateHz = 25.0
)

// ValidateRate enforces spec.md §4.5's "numeric rates fall within
// [MIN_RATE, MAX_RATE] subject to per-use-site caps".
func ValidateRate(hz, siteCap float64) error {
	if hz < MinRateHz || hz > MaxRateHz {
		return fmt.Errorf("rate %v Hz out of [%v,%v]", hz, MinRateHz, MaxRateHz)
	}
	if siteCap > 0 && hz > siteCap {
		return fmt.Errorf("rate %v Hz exceeds site cap %v Hz", hz, siteCap)
	}
	return nil
}

// ValidateChannelNames checks that names holds no duplicates, that none of
// them is pwm.PumpName — the pump output is never remotely drivable via
// add/remove/configure actions (spec.md §4.5) — and, when known is
// non-nil, that every name exists in known.
func ValidateChannelNames(names []string, known map[string]bool) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == pwm.PumpName {
			return fmt.Errorf("channel name %q is reserved and not remotely drivable", n)
		}
		if seen[n] {
			return fmt.Errorf("duplicate channel name %q", n)
		}
		seen[n] = true
		if known != nil && !known[n] {
			return fmt.Errorf("unknown channel name %q", n)
		}
	}
	return nil
}

// CoerceBool accepts the boolean spellings spec.md §4.5 names:
// {0,1,true,false,yes,no,on,off}.
func CoerceBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		switch t {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case string:
		switch strings.ToLower(t) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
	}
	return false, fmt.Errorf("control: %v is not a recognized boolean", v)
}

// boolFields are the config-patch JSON field names spec.md §4.5 requires
// to accept the flexible boolean spellings (as opposed to a field the
// client is expected to send as a strict JSON bool).
var boolFields = map[string]bool{
	"enableLpf2": true, "enableSimpleLpf": true,
	"affectsPump": true, "toggleable": true, "enabled": true,
}

// rateFields maps a config-patch JSON field name to the per-use-site
// cap spec.md §4.5 checks it against, on top of [MinRateHz,MaxRateHz].
var rateFields = map[string]float64{
	"trackingRateHz": MirroringSendMaxRateHz,
}

// NormalizeJSON walks a config patch or channel payload, coercing
// boolFields through CoerceBool and checking rateFields through
// ValidateRate, before the result reaches json.Unmarshal into a typed
// config struct or pwm.ChannelConfig. This is the one call point for
// spec.md §4.5's "booleans accept {0,1,true,false,yes,no,on,off}" and
// "rates are capped per use-site" requirements.
func NormalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("control: malformed payload: %w", err)
	}
	if err := normalizeValue(v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("control: re-marshal normalized payload: %w", err)
	}
	return out, nil
}

func normalizeValue(v interface{}) error {
	m, ok := v.(map[string]interface{})
	if !ok {
		if list, ok := v.([]interface{}); ok {
			for _, item := range list {
				if err := normalizeValue(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for key, val := range m {
		if boolFields[key] {
			b, err := CoerceBool(val)
			if err != nil {
				return fmt.Errorf("control: field %q: %w", key, err)
			}
			m[key] = b
			continue
		}
		if cap, ok := rateFields[key]; ok {
			hz, ok := val.(float64)
			if !ok {
				return fmt.Errorf("control: field %q: expected a number", key)
			}
			if err := ValidateRate(hz, cap); err != nil {
				return fmt.Errorf("control: field %q: %w", key, err)
			}
			continue
		}
		if err := normalizeValue(val); err != nil {
			return err
		}
	}
	return nil
}
