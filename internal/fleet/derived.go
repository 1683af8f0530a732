package fleet

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/joshp123/pecronhub/internal/schema"
)

const (
	CodeBattery     = "battery_percentage"
	CodeInputPower  = "total_input_power"
	CodeOutputPower = "total_output_power"
	CodeACSwitch    = "ac_switch"
	CodeDCSwitch    = "dc_switch"
	CodeUPS         = "ups_status"
)

// PowerState classifies a station from its input and output power.
type PowerState string

const (
	StateIdle        PowerState = "idle"
	StateCharging    PowerState = "charging"
	StateDischarging PowerState = "discharging"
	StateUPS         PowerState = "ups"
)

// Derived holds the locally computed values. A nil time means N/A.
type Derived struct {
	State       PowerState
	TimeToFull  *float64
	TimeToEmpty *float64
}

// ClassifyPower treats missing or negative power as zero.
func ClassifyPower(input, output float64) PowerState {
	in := input > 0
	out := output > 0
	switch {
	case in && out:
		return StateUPS
	case in:
		return StateCharging
	case out:
		return StateDischarging
	default:
		return StateIdle
	}
}

// Derive computes power_state and the two remaining-time values from raw
// properties. Remaining minutes come from the cloud; the state decides
// whether each is meaningful.
func Derive(props map[string]any) Derived {
	input, _ := number(props[CodeInputPower])
	output, _ := number(props[CodeOutputPower])
	d := Derived{State: ClassifyPower(input, output)}

	switch d.State {
	case StateCharging:
		d.TimeToFull = minutes(props[schema.CodeTimeToFull])
	case StateDischarging:
		d.TimeToEmpty = minutes(props[schema.CodeTimeToEmpty])
	case StateUPS:
		d.TimeToFull = minutes(props[schema.CodeTimeToFull])
		d.TimeToEmpty = minutes(props[schema.CodeTimeToEmpty])
	}
	return d
}

func minutes(value any) *float64 {
	v, ok := number(value)
	if !ok {
		return nil
	}
	if v < 0 {
		v = 0
	}
	return &v
}

// number reads JSON-ish numeric values, including numeric strings.
func number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
