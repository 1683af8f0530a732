package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/joshp123/pecronhub/internal/fleet"
	"github.com/joshp123/pecronhub/internal/pecron"
	"github.com/joshp123/pecronhub/internal/schema"
)

type message struct {
	payload  []byte
	retained bool
}

type fakeTransport struct {
	mu        sync.Mutex
	published map[string]message
	handlers  map[string]func(string, []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		published: make(map[string]message),
		handlers:  make(map[string]func(string, []byte)),
	}
}

func (f *fakeTransport) Publish(topic string, payload []byte, retained bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = message{payload: payload, retained: retained}
}

func (f *fakeTransport) Subscribe(topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) get(topic string) (message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.published[topic]
	return m, ok
}

type write struct {
	deviceID string
	code     string
	value    any
}

type fakeAccount struct {
	id    string
	store *fleet.Store

	mu     sync.Mutex
	writes []write
	done   chan struct{}
}

func (a *fakeAccount) ID() string                          { return a.id }
func (a *fakeAccount) Store() *fleet.Store                 { return a.store }
func (a *fakeAccount) Notifications() []fleet.Notification { return nil }

func (a *fakeAccount) Write(_ context.Context, deviceID, code string, value any) error {
	a.mu.Lock()
	a.writes = append(a.writes, write{deviceID, code, value})
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func testSchema() *schema.Schema {
	return schema.FromDescriptors("E1500", []pecron.PropertyDescriptor{
		{Code: fleet.CodeBattery, AccessMode: pecron.AccessRead, DataType: "int"},
		{Code: "ac_switch_hm", AccessMode: pecron.AccessReadWrite, DataType: "bool"},
	})
}

func newBridge(t *testing.T) (*Bridge, *fakeTransport, *fakeAccount) {
	t.Helper()
	transport := newFakeTransport()
	account := &fakeAccount{id: "home", store: fleet.NewStore("home"), done: make(chan struct{}, 4)}
	b := NewBridge(transport, []*fakeAccount{account}, Options{Log: testr.New(t)})
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, transport, account
}

func updated(online bool, battery any, ac any) fleet.Event {
	return fleet.Event{
		Kind:     fleet.DeviceUpdated,
		Account:  "home",
		DeviceID: "dev-1",
		Schema:   testSchema(),
		Device: fleet.Device{
			Account:  "home",
			ID:       "dev-1",
			Model:    "E1500",
			Name:     "Garage",
			Online:   online,
			LastPoll: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			State:    fleet.StateIdle,
			Properties: map[string]any{
				fleet.CodeBattery:  battery,
				fleet.CodeACSwitch: ac,
			},
		},
	}
}

func TestBridgePublishesDiscoveryAndState(t *testing.T) {
	b, transport, _ := newBridge(t)
	b.handler("home")(updated(true, 80.0, true))

	msg, ok := transport.get("homeassistant/switch/pecron_home_dev-1/ac_switch/config")
	if !ok || !msg.retained {
		t.Fatal("missing retained switch discovery")
	}
	var disc haDiscovery
	if err := json.Unmarshal(msg.payload, &disc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if disc.CommandTopic != "pecronhub/home/dev-1/ac_switch/set" || disc.StateTopic != "pecronhub/home/dev-1/state" {
		t.Fatalf("unexpected topics: %+v", disc)
	}
	if disc.Device.Manufacturer != "Pecron" || disc.Device.Name != "Garage" {
		t.Fatalf("unexpected device block: %+v", disc.Device)
	}
	if _, ok := transport.get("homeassistant/switch/pecron_home_dev-1/dc_switch/config"); ok {
		t.Fatal("dc switch published without schema support")
	}
	if _, ok := transport.get("homeassistant/sensor/pecron_home_dev-1/remain_charging_time/config"); !ok {
		t.Fatal("time to full must always be published")
	}

	state, _ := transport.get("pecronhub/home/dev-1/state")
	var values map[string]any
	if err := json.Unmarshal(state.payload, &values); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if values[fleet.CodeBattery] != 80.0 || values[fleet.CodeACSwitch] != "ON" || values["online"] != "ON" {
		t.Fatalf("unexpected state: %v", values)
	}
	if v, ok := values["remain_charging_time"]; !ok || v != nil {
		t.Fatalf("unknown time should be null, got %v", v)
	}
	if avail, _ := transport.get("pecronhub/home/dev-1/availability"); string(avail.payload) != "online" {
		t.Fatalf("availability = %s", avail.payload)
	}
}

func TestBridgeOfflineAndRemoval(t *testing.T) {
	b, transport, _ := newBridge(t)
	handle := b.handler("home")
	handle(updated(true, 80.0, false))
	handle(updated(false, 80.0, false))

	if avail, _ := transport.get("pecronhub/home/dev-1/availability"); string(avail.payload) != "offline" {
		t.Fatalf("availability = %s", avail.payload)
	}

	handle(fleet.Event{Kind: fleet.DeviceRemoved, Account: "home", DeviceID: "dev-1"})
	msg, ok := transport.get("homeassistant/switch/pecron_home_dev-1/ac_switch/config")
	if !ok || len(msg.payload) != 0 {
		t.Fatal("discovery should be cleared with an empty retained payload")
	}
}

func TestBridgeCommandForwarded(t *testing.T) {
	b, transport, account := newBridge(t)
	b.handler("home")(updated(true, 80.0, false))

	handler := transport.handlers["pecronhub/+/+/+/set"]
	if handler == nil {
		t.Fatal("command topic not subscribed")
	}
	handler("pecronhub/home/dev-1/ac_switch/set", []byte("ON"))

	select {
	case <-account.done:
	case <-time.After(2 * time.Second):
		t.Fatal("command was not forwarded")
	}
	account.mu.Lock()
	defer account.mu.Unlock()
	got := account.writes[0]
	if got.deviceID != "dev-1" || got.code != "ac_switch" || got.value != true {
		t.Fatalf("unexpected write: %+v", got)
	}
}

func TestBridgeIgnoresUnknownCommands(t *testing.T) {
	b, _, account := newBridge(t)
	b.onCommand("pecronhub/home/missing/ac_switch/set", []byte("ON"))
	b.onCommand("pecronhub/other/dev-1/ac_switch/set", []byte("ON"))
	b.onCommand("pecronhub/home/dev-1/state", []byte("ON"))
	b.Stop()
	if len(account.writes) != 0 {
		t.Fatalf("unexpected writes: %+v", account.writes)
	}
}

func TestBridgeNotifications(t *testing.T) {
	b, transport, _ := newBridge(t)
	b.handler("home")(fleet.Event{
		Kind:          fleet.NotificationsChanged,
		Notifications: []fleet.Notification{{ID: "auth", Kind: fleet.NoteAuthFailed, Title: "Login failed"}},
	})
	msg, _ := transport.get("pecronhub/home/notifications")
	if !strings.Contains(string(msg.payload), "auth_failed") {
		t.Fatalf("notifications payload = %s", msg.payload)
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]any{"ON": true, "off": false, "true": true, "230": 230.0, "eco": "eco"}
	for raw, want := range cases {
		if got := parseCommand([]byte(raw)); got != want {
			t.Errorf("parseCommand(%q) = %v, want %v", raw, got, want)
		}
	}
}
