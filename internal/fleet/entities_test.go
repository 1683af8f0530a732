package fleet

import (
	"testing"

	"github.com/joshp123/pecronhub/internal/schema"
)

func keys(instances []Instance) map[string]Kind {
	out := make(map[string]Kind, len(instances))
	for _, inst := range instances {
		out[inst.Key] = inst.Kind
	}
	return out
}

func TestEntitiesForFiltersBySchema(t *testing.T) {
	got := keys(EntitiesFor("dev-1", testSchema()))

	for _, key := range []string{CodeBattery, CodeInputPower, CodeOutputPower, schema.CodeTimeToFull, schema.CodeTimeToEmpty, CodeACSwitch, keyOnline} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing entity %s", key)
		}
	}
	for _, key := range []string{CodeDCSwitch, CodeUPS} {
		if _, ok := got[key]; ok {
			t.Errorf("entity %s created without schema support", key)
		}
	}
	if got[CodeACSwitch] != KindSwitch || got[keyOnline] != KindBinarySensor {
		t.Fatalf("unexpected kinds: %v", got)
	}
}

func TestEntitiesForEmptySchema(t *testing.T) {
	got := EntitiesFor("dev-1", schema.New("E600", nil))
	if len(got) != len(Catalogue()) {
		t.Fatalf("empty schema should create the full catalogue, got %d", len(got))
	}
}

func TestEntityProjection(t *testing.T) {
	d := Device{
		ID:     "dev-1",
		Online: true,
		Properties: map[string]any{
			CodeBattery:           55.0,
			CodeACSwitch:          1.0,
			schema.CodeTimeToFull: nil,
		},
	}
	byKey := make(map[string]Instance)
	for _, inst := range EntitiesFor("dev-1", schema.New("E600", nil)) {
		byKey[inst.Key] = inst
	}

	if v := byKey[CodeBattery].Project(d); v != 55.0 {
		t.Fatalf("battery projection = %v", v)
	}
	if v := byKey[CodeACSwitch].Project(d); v != true {
		t.Fatalf("switch projection = %v", v)
	}
	if v := byKey[CodeDCSwitch].Project(d); v != nil {
		t.Fatalf("unknown switch should be nil, got %v", v)
	}
	if v := byKey[schema.CodeTimeToFull].Project(d); v != nil {
		t.Fatalf("N/A time should be nil, got %v", v)
	}
	if v := byKey[keyOnline].Project(d); v != true {
		t.Fatalf("online projection = %v", v)
	}
	if id := byKey[CodeBattery].UniqueID(); id != "dev-1_battery_percentage" {
		t.Fatalf("unique id = %s", id)
	}
}
