package fleet

import (
	"github.com/joshp123/pecronhub/internal/schema"
)

// Kind is the closed set of entity variants presented downstream.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindSwitch       Kind = "switch"
	KindBinarySensor Kind = "binary_sensor"
)

const keyOnline = "online"

// Entity describes one presentable value of a device.
type Entity struct {
	Kind         Kind
	Key          string
	Name         string
	DeviceClass  string
	Unit         string
	StateClass   string
	AlwaysCreate bool
	project      func(Device) any
}

// Project reads the entity's value from a device snapshot. Nil means unknown.
func (e Entity) Project(d Device) any {
	if e.project != nil {
		return e.project(d)
	}
	return d.Properties[e.Key]
}

// Writable reports whether the entity accepts commands.
func (e Entity) Writable() bool {
	return e.Kind == KindSwitch
}

// Instance binds an entity to the device it belongs to.
type Instance struct {
	DeviceID string
	Entity
}

func (i Instance) UniqueID() string {
	return i.DeviceID + "_" + i.Key
}

var catalogue = []Entity{
	{Kind: KindSensor, Key: CodeBattery, Name: "Battery Percentage", DeviceClass: "battery", Unit: "%", StateClass: "measurement"},
	{Kind: KindSensor, Key: CodeInputPower, Name: "Input Power", DeviceClass: "power", Unit: "W", StateClass: "measurement"},
	{Kind: KindSensor, Key: CodeOutputPower, Name: "Output Power", DeviceClass: "power", Unit: "W", StateClass: "measurement"},
	{Kind: KindSensor, Key: schema.CodeTimeToFull, Name: "Time to Full", DeviceClass: "duration", Unit: "min", StateClass: "measurement", AlwaysCreate: true},
	{Kind: KindSensor, Key: schema.CodeTimeToEmpty, Name: "Time to Empty", DeviceClass: "duration", Unit: "min", StateClass: "measurement", AlwaysCreate: true},
	{Kind: KindSwitch, Key: CodeACSwitch, Name: "AC Output", DeviceClass: "outlet", project: boolProjection(CodeACSwitch)},
	{Kind: KindSwitch, Key: CodeDCSwitch, Name: "DC Output", DeviceClass: "outlet", project: boolProjection(CodeDCSwitch)},
	{Kind: KindBinarySensor, Key: CodeUPS, Name: "UPS Mode", DeviceClass: "power", project: boolProjection(CodeUPS)},
	{Kind: KindBinarySensor, Key: keyOnline, Name: "Online", DeviceClass: "connectivity", AlwaysCreate: true, project: func(d Device) any { return d.Online }},
}

// Catalogue returns every entity the gateway knows how to present.
func Catalogue() []Entity {
	out := make([]Entity, len(catalogue))
	copy(out, catalogue)
	return out
}

// EntitiesFor instantiates the catalogue entries the device's schema
// supports. Always-created entities bypass the schema.
func EntitiesFor(deviceID string, sc *schema.Schema) []Instance {
	var out []Instance
	for _, entity := range catalogue {
		if !entity.AlwaysCreate {
			if entity.Kind == KindSwitch && !sc.Writable(entity.Key) {
				continue
			}
			if !sc.Exposed(entity.Key) {
				continue
			}
		}
		out = append(out, Instance{DeviceID: deviceID, Entity: entity})
	}
	return out
}

func boolProjection(code string) func(Device) any {
	return func(d Device) any {
		value, ok := d.Properties[code]
		if !ok || value == nil {
			return nil
		}
		n, ok := scalar(value)
		if !ok {
			return nil
		}
		return n != 0
	}
}
