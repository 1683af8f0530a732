package fleet

import (
	"context"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/joshp123/pecronhub/internal/clock"
	"github.com/joshp123/pecronhub/internal/pecron"
	"github.com/joshp123/pecronhub/internal/retry"
	"github.com/joshp123/pecronhub/internal/schema"
)

type setCall struct {
	DeviceID string
	Code     string
	Value    any
}

type fakeAPI struct {
	mu        sync.Mutex
	devices   []pecron.DeviceStub
	props     map[string]pecron.Properties
	listErr   error
	propErr   map[string]error
	setErr    error
	applySet  bool
	onSet     func()
	sets      []setCall
	lists     int
	propCalls map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		devices: []pecron.DeviceStub{
			{ID: "dev-1", Model: "E1500", Name: "Garage", Online: true},
		},
		props: map[string]pecron.Properties{
			"dev-1": {
				CodeBattery:            87.0,
				CodeInputPower:         50.0,
				CodeOutputPower:        0.0,
				CodeACSwitch:           false,
				schema.CodeTimeToFull:  30.0,
				schema.CodeTimeToEmpty: 400.0,
				"firmware":             "1.2.3",
			},
		},
		propErr:   make(map[string]error),
		propCalls: make(map[string]int),
	}
}

func (f *fakeAPI) ListDevices(context.Context) ([]pecron.DeviceStub, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]pecron.DeviceStub(nil), f.devices...), nil
}

func (f *fakeAPI) GetProperties(_ context.Context, deviceID, _ string) (pecron.Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propCalls[deviceID]++
	if err := f.propErr[deviceID]; err != nil {
		return nil, err
	}
	return maps.Clone(f.props[deviceID]), nil
}

func (f *fakeAPI) SetProperty(_ context.Context, deviceID, _ string, code string, value any) (pecron.Ack, error) {
	f.mu.Lock()
	f.sets = append(f.sets, setCall{DeviceID: deviceID, Code: code, Value: value})
	hook, err := f.onSet, f.setErr
	if err == nil && f.applySet {
		f.props[deviceID][schema.Normalize(code)] = value
	}
	f.mu.Unlock()

	// The hook runs unlocked so it can drive the clock into confirmation fetches.
	if hook != nil {
		hook()
	}
	if err != nil {
		return pecron.Ack{}, err
	}
	return pecron.Ack{Success: true}, nil
}

func (f *fakeAPI) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeAPI) setProp(deviceID, code string, value any) {
	f.mu.Lock()
	f.props[deviceID][code] = value
	f.mu.Unlock()
}

func (f *fakeAPI) calls(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.propCalls[deviceID]
}

func (f *fakeAPI) setCalls() []setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]setCall(nil), f.sets...)
}

type fakeSchemas struct {
	mu  sync.Mutex
	err error
	s   *schema.Schema
}

func (f *fakeSchemas) Fetch(_ context.Context, model string) (*schema.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.s, nil
}

func testSchema() *schema.Schema {
	return schema.FromDescriptors("E1500", []pecron.PropertyDescriptor{
		{Code: CodeBattery, AccessMode: pecron.AccessRead, DataType: "int"},
		{Code: CodeInputPower, AccessMode: pecron.AccessRead, DataType: "int"},
		{Code: CodeOutputPower, AccessMode: pecron.AccessRead, DataType: "int"},
		{Code: "ac_switch_hm", AccessMode: pecron.AccessReadWrite, DataType: "bool"},
		{Code: "ac_output_voltage", AccessMode: pecron.AccessReadWrite, DataType: "int"},
	})
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fastPolicy(t *testing.T) retry.Policy {
	return retry.Policy{
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     2 * time.Millisecond,
		Attempts:        2,
		Log:             testr.New(t),
	}
}

type harness struct {
	coord   *Coordinator
	api     *fakeAPI
	schemas *fakeSchemas
	clock   *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := newFakeAPI()
	schemas := &fakeSchemas{s: testSchema()}
	clk := clock.NewManual(testStart)
	coord, err := NewCoordinator(api, schemas, Options{
		Account: "home",
		Policy:  fastPolicy(t),
		Clock:   clk,
		Metrics: NewMetrics("home"),
		Log:     testr.New(t),
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(coord.Close)
	return &harness{coord: coord, api: api, schemas: schemas, clock: clk}
}

func (h *harness) refresh(t *testing.T) {
	t.Helper()
	if err := h.coord.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func (h *harness) visible(t *testing.T, deviceID, code string) any {
	t.Helper()
	d, ok := h.coord.Store().Device(deviceID)
	if !ok {
		t.Fatalf("device %s not exposed", deviceID)
	}
	return d.Properties[code]
}
