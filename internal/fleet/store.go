package fleet

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/joshp123/pecronhub/internal/pecron"
	"github.com/joshp123/pecronhub/internal/schema"
)

// DeviceRecord is the coordinator's view of one station. Properties hold
// what is currently visible (poll results plus optimistic overlays);
// Confirmed holds the last value the cloud actually reported per code.
type DeviceRecord struct {
	ID          string
	Model       string
	Name        string
	ProductName string
	Properties  map[string]any
	Confirmed   map[string]any
	Online      bool
	LastPoll    time.Time
}

// Device is the exposed, schema-filtered snapshot of a record with derived
// values filled in.
type Device struct {
	Account     string         `json:"account"`
	ID          string         `json:"id"`
	Model       string         `json:"model"`
	Name        string         `json:"name"`
	ProductName string         `json:"product_name,omitempty"`
	Online      bool           `json:"online"`
	LastPoll    time.Time      `json:"last_poll"`
	State       PowerState     `json:"power_state"`
	Properties  map[string]any `json:"properties"`
	Pending     []string       `json:"pending,omitempty"`
}

type EventKind int

const (
	DeviceUpdated EventKind = iota
	DeviceRemoved
	TickCompleted
	NotificationsChanged
)

func (k EventKind) String() string {
	switch k {
	case DeviceUpdated:
		return "device_updated"
	case DeviceRemoved:
		return "device_removed"
	case TickCompleted:
		return "tick_completed"
	case NotificationsChanged:
		return "notifications"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers synchronously. Subscribers must not
// mutate the store from the callback.
type Event struct {
	Kind          EventKind
	Account       string
	DeviceID      string
	Device        Device
	Schema        *schema.Schema
	Devices       []Device
	Notifications []Notification
	TickError     string
	At            time.Time
}

type deviceState struct {
	mu      sync.Mutex
	removed bool
	record  DeviceRecord
	schema  *schema.Schema
	pending map[string]bool
}

// Store holds one account's device records. Mutation is serialized per
// device and every change is published as a snapshot.
type Store struct {
	account string

	mu      sync.RWMutex
	devices map[string]*deviceState

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

func NewStore(account string) *Store {
	return &Store{
		account: account,
		devices: make(map[string]*deviceState),
		subs:    make(map[int]func(Event)),
	}
}

func (s *Store) Account() string {
	return s.account
}

// Subscribe registers fn for every event and returns its cancel func.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(event Event) {
	event.Account = s.account
	s.subMu.RLock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
}

// Sync makes the device set match stubs exactly. Records are created for new
// ids and dropped for ids no longer listed.
func (s *Store) Sync(stubs []pecron.DeviceStub) (added, removed []string) {
	listed := make(map[string]pecron.DeviceStub, len(stubs))
	for _, stub := range stubs {
		listed[stub.ID] = stub
	}

	s.mu.Lock()
	var gone []*deviceState
	for id, d := range s.devices {
		if _, ok := listed[id]; !ok {
			delete(s.devices, id)
			gone = append(gone, d)
			removed = append(removed, id)
		}
	}
	var known []*deviceState
	for id, stub := range listed {
		if d, ok := s.devices[id]; ok {
			known = append(known, d)
			continue
		}
		s.devices[id] = &deviceState{
			record: DeviceRecord{
				ID:          stub.ID,
				Model:       stub.Model,
				Name:        stub.Name,
				ProductName: stub.ProductName,
				Properties:  make(map[string]any),
				Confirmed:   make(map[string]any),
			},
			pending: make(map[string]bool),
		}
		added = append(added, id)
	}
	s.mu.Unlock()

	for _, d := range gone {
		d.mu.Lock()
		d.removed = true
		ready := d.schema != nil
		id := d.record.ID
		if ready {
			s.publish(Event{Kind: DeviceRemoved, DeviceID: id})
		}
		d.mu.Unlock()
	}
	for _, d := range known {
		d.mu.Lock()
		stub := listed[d.record.ID]
		if !d.removed && (d.record.Name != stub.Name || d.record.Model != stub.Model) {
			d.record.Name = stub.Name
			d.record.ProductName = stub.ProductName
			if d.record.Model != stub.Model {
				d.record.Model = stub.Model
				d.schema = nil
			}
			s.publishLocked(d)
		}
		d.mu.Unlock()
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func (s *Store) get(id string) (*deviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

// mutate runs fn with the device locked and publishes when fn reports a change.
func (s *Store) mutate(id string, fn func(d *deviceState) bool) bool {
	d, ok := s.get(id)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return false
	}
	if fn(d) {
		s.publishLocked(d)
	}
	return true
}

func (s *Store) publishLocked(d *deviceState) {
	if d.schema == nil {
		return
	}
	s.publish(Event{Kind: DeviceUpdated, DeviceID: d.record.ID, Device: s.snapshot(d), Schema: d.schema})
}

func (s *Store) SetSchema(id string, sc *schema.Schema) bool {
	return s.mutate(id, func(d *deviceState) bool {
		if d.schema == sc {
			return false
		}
		d.schema = sc
		return true
	})
}

func (s *Store) Schema(id string) (*schema.Schema, bool) {
	d, ok := s.get(id)
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.schema, d.schema != nil
}

type pollResult struct {
	props    map[string]any
	suppress map[string]bool
	settled  []string
	online   bool
	at       time.Time
}

// applyPoll records every reported value as confirmed and makes the
// unsuppressed ones visible.
func (s *Store) applyPoll(id string, res pollResult) bool {
	return s.mutate(id, func(d *deviceState) bool {
		for code, value := range res.props {
			d.record.Confirmed[code] = value
			if res.suppress[code] {
				continue
			}
			d.record.Properties[code] = value
		}
		for _, code := range res.settled {
			delete(d.pending, code)
		}
		d.record.Online = res.online
		d.record.LastPoll = res.at
		return true
	})
}

func (s *Store) markOffline(id string, at time.Time) bool {
	return s.mutate(id, func(d *deviceState) bool {
		if !d.record.Online && !d.record.LastPoll.IsZero() {
			return false
		}
		d.record.Online = false
		if d.record.LastPoll.IsZero() {
			d.record.LastPoll = at
		}
		return true
	})
}

func (s *Store) overlay(id, code string, value any) bool {
	return s.mutate(id, func(d *deviceState) bool {
		d.record.Properties[code] = value
		d.pending[code] = true
		return true
	})
}

// revert puts the last confirmed value back, or drops the code when the
// cloud never reported it.
func (s *Store) revert(id, code string) bool {
	return s.mutate(id, func(d *deviceState) bool {
		if value, ok := d.record.Confirmed[code]; ok {
			d.record.Properties[code] = value
		} else {
			delete(d.record.Properties, code)
		}
		delete(d.pending, code)
		return true
	})
}

// settle ends an unconfirmed overlay: the last value the cloud reported
// becomes visible again.
func (s *Store) settle(id, code string) bool {
	return s.mutate(id, func(d *deviceState) bool {
		changed := d.pending[code]
		delete(d.pending, code)
		if value, ok := d.record.Confirmed[code]; ok && !Equal(value, d.record.Properties[code]) {
			d.record.Properties[code] = value
			changed = true
		}
		return changed
	})
}

// Record returns a deep copy of the raw record.
func (s *Store) Record(id string) (DeviceRecord, bool) {
	d, ok := s.get(id)
	if !ok {
		return DeviceRecord{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := d.record
	rec.Properties = maps.Clone(d.record.Properties)
	rec.Confirmed = maps.Clone(d.record.Confirmed)
	return rec, true
}

// Device returns the exposed snapshot. Devices whose schema has not been
// resolved yet are not exposed.
func (s *Store) Device(id string) (Device, bool) {
	d, ok := s.get(id)
	if !ok {
		return Device{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.schema == nil || d.removed {
		return Device{}, false
	}
	return s.snapshot(d), true
}

// Devices returns every exposed snapshot ordered by id.
func (s *Store) Devices() []Device {
	s.mu.RLock()
	states := make([]*deviceState, 0, len(s.devices))
	for _, d := range s.devices {
		states = append(states, d)
	}
	s.mu.RUnlock()

	out := make([]Device, 0, len(states))
	for _, d := range states {
		d.mu.Lock()
		if d.schema != nil && !d.removed {
			out = append(out, s.snapshot(d))
		}
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs lists every known device id, exposed or not.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) snapshot(d *deviceState) Device {
	props := d.schema.Filter(d.record.Properties)
	derived := Derive(d.record.Properties)
	props[schema.CodeTimeToFull] = floatOrNil(derived.TimeToFull)
	props[schema.CodeTimeToEmpty] = floatOrNil(derived.TimeToEmpty)
	props[schema.CodePowerState] = string(derived.State)

	var pending []string
	for code := range d.pending {
		pending = append(pending, code)
	}
	sort.Strings(pending)

	return Device{
		Account:     s.account,
		ID:          d.record.ID,
		Model:       d.record.Model,
		Name:        d.record.Name,
		ProductName: d.record.ProductName,
		Online:      d.record.Online,
		LastPoll:    d.record.LastPoll,
		State:       derived.State,
		Properties:  props,
		Pending:     pending,
	}
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *Store) publishTick(at time.Time, err error) {
	event := Event{Kind: TickCompleted, At: at, Devices: s.Devices()}
	if err != nil {
		event.TickError = err.Error()
	}
	s.publish(event)
}

func (s *Store) publishNotifications(list []Notification) {
	s.publish(Event{Kind: NotificationsChanged, Notifications: list})
}
