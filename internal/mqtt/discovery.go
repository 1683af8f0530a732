package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/joshp123/pecronhub/internal/fleet"
)

// haDevice is the "device" block in Home Assistant discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a Home Assistant MQTT discovery payload.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	ObjectID          string           `json:"object_id"`
	StateTopic        string           `json:"state_topic"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode"`
	ValueTemplate     string           `json:"value_template"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	PayloadOn         string           `json:"payload_on,omitempty"`
	PayloadOff        string           `json:"payload_off,omitempty"`
	Device            haDevice         `json:"device"`
}

type discoveryMsg struct {
	Topic   string
	Payload []byte
}

// topicSafe maps anything outside [a-z0-9_-] to an underscore.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
}

func nodeID(account, deviceID string) string {
	return "pecron_" + topicSafe(account) + "_" + topicSafe(deviceID)
}

func (b *Bridge) discoveryTopic(inst fleet.Instance, account string) string {
	return b.discoveryPrefix + "/" + string(inst.Kind) + "/" + nodeID(account, inst.DeviceID) + "/" + inst.Key + "/config"
}

func (b *Bridge) buildDiscovery(account string, d fleet.Device, instances []fleet.Instance) []discoveryMsg {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	dev := haDevice{
		Identifiers:  []string{nodeID(account, d.ID)},
		Manufacturer: "Pecron",
		Model:        d.Model,
		Name:         name,
	}
	availability := []haAvailability{
		{Topic: b.bridgeTopic()},
		{Topic: b.availabilityTopic(account, d.ID)},
	}

	msgs := make([]discoveryMsg, 0, len(instances))
	for _, inst := range instances {
		payload := haDiscovery{
			Name:              inst.Name,
			UniqueID:          "pecron_" + topicSafe(account) + "_" + inst.UniqueID(),
			ObjectID:          topicSafe(name) + "_" + inst.Key,
			StateTopic:        b.stateTopic(account, d.ID),
			ValueTemplate:     "{{ value_json." + inst.Key + " }}",
			UnitOfMeasurement: inst.Unit,
			DeviceClass:       inst.DeviceClass,
			StateClass:        inst.StateClass,
			Device:            dev,
			AvailabilityMode:  "all",
		}
		switch inst.Kind {
		case fleet.KindSwitch:
			payload.CommandTopic = b.commandTopic(account, d.ID, inst.Key)
			payload.PayloadOn = payloadOn
			payload.PayloadOff = payloadOff
		case fleet.KindBinarySensor:
			payload.PayloadOn = payloadOn
			payload.PayloadOff = payloadOff
		}
		payload.Availability = availability
		// The connectivity sensor must stay available while the device is offline.
		if inst.Key == keyOnline {
			payload.Availability = availability[:1]
		}
		data, err := json.Marshal(payload)
		if err != nil {
			b.log.Error(err, "encode discovery", "unique_id", payload.UniqueID)
			continue
		}
		msgs = append(msgs, discoveryMsg{Topic: b.discoveryTopic(inst, account), Payload: data})
	}
	return msgs
}

// statePayload renders every entity's projected value; binary entities are
// rendered as ON/OFF and unknown values as null.
func statePayload(d fleet.Device, instances []fleet.Instance) []byte {
	state := make(map[string]any, len(instances)+1)
	for _, inst := range instances {
		value := inst.Project(d)
		if inst.Kind != fleet.KindSensor {
			if on, ok := value.(bool); ok {
				value = onOff(on)
			}
		}
		state[inst.Key] = value
	}
	state["power_state"] = string(d.State)
	if !d.LastPoll.IsZero() {
		state["last_poll"] = d.LastPoll.UTC().Format(time.RFC3339)
	}
	data, _ := json.Marshal(state)
	return data
}

func onOff(on bool) string {
	if on {
		return payloadOn
	}
	return payloadOff
}
