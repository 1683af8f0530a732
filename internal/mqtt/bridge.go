package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/joshp123/pecronhub/internal/fleet"
)

const (
	payloadOn  = "ON"
	payloadOff = "OFF"
	keyOnline  = "online"

	DefaultCommandTimeout = 60 * time.Second
)

// Account is the coordinator surface the bridge presents and controls.
type Account interface {
	ID() string
	Store() *fleet.Store
	Notifications() []fleet.Notification
	Write(ctx context.Context, deviceID, code string, value any) error
}

type Options struct {
	TopicPrefix     string
	DiscoveryPrefix string
	CommandTimeout  time.Duration
	Log             logr.Logger
}

type published struct {
	device    fleet.Device
	instances []fleet.Instance
	topics    map[string]bool
}

// Bridge mirrors coordinator snapshots to MQTT with Home Assistant discovery
// and forwards switch commands back to the coordinators.
type Bridge struct {
	transport       Transport
	prefix          string
	discoveryPrefix string
	commandTimeout  time.Duration
	log             logr.Logger
	accounts        map[string]Account

	mu      sync.Mutex
	devices map[string]*published

	unsubs []func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge[A Account](transport Transport, accounts []A, opts Options) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "pecronhub"
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		transport:       transport,
		prefix:          strings.TrimSuffix(opts.TopicPrefix, "/"),
		discoveryPrefix: strings.TrimSuffix(opts.DiscoveryPrefix, "/"),
		commandTimeout:  opts.CommandTimeout,
		log:             opts.Log.WithName("bridge"),
		accounts:        make(map[string]Account, len(accounts)),
		devices:         make(map[string]*published),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, a := range accounts {
		b.accounts[a.ID()] = a
	}
	return b
}

func (b *Bridge) bridgeTopic() string { return b.prefix + "/bridge/state" }

func (b *Bridge) stateTopic(account, deviceID string) string {
	return b.prefix + "/" + account + "/" + topicSafe(deviceID) + "/state"
}

func (b *Bridge) availabilityTopic(account, deviceID string) string {
	return b.prefix + "/" + account + "/" + topicSafe(deviceID) + "/availability"
}

func (b *Bridge) commandTopic(account, deviceID, code string) string {
	return b.prefix + "/" + account + "/" + topicSafe(deviceID) + "/" + code + "/set"
}

func (b *Bridge) notificationsTopic(account string) string {
	return b.prefix + "/" + account + "/notifications"
}

func (b *Bridge) tickTopic(account string) string {
	return b.prefix + "/" + account + "/tick"
}

// BridgeTopic is the retained online/offline topic, suitable as a will.
func (b *Bridge) BridgeTopic() string { return b.bridgeTopic() }

// Start subscribes to command topics and every account's store events.
func (b *Bridge) Start() error {
	if err := b.transport.Subscribe(b.prefix+"/+/+/+/set", b.onCommand); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	b.transport.Publish(b.bridgeTopic(), []byte("online"), true)
	for id, a := range b.accounts {
		b.unsubs = append(b.unsubs, a.Store().Subscribe(b.handler(id)))
		b.publishNotifications(id, a.Notifications())
	}
	b.log.Info("mqtt bridge started", "prefix", b.prefix, "accounts", len(b.accounts))
	return nil
}

// Republish sends the bridge state plus every known device's discovery and
// state again, for use after a broker reconnect.
func (b *Bridge) Republish() {
	b.transport.Publish(b.bridgeTopic(), []byte("online"), true)
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, p := range b.devices {
		account, _, _ := strings.Cut(key, "/")
		for _, msg := range b.buildDiscovery(account, p.device, p.instances) {
			b.transport.Publish(msg.Topic, msg.Payload, true)
		}
		b.publishState(account, p)
	}
}

// Stop detaches from the stores and waits for in-flight commands.
func (b *Bridge) Stop() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.cancel()
	b.wg.Wait()
	b.transport.Publish(b.bridgeTopic(), []byte("offline"), true)
}

func (b *Bridge) handler(account string) func(fleet.Event) {
	return func(ev fleet.Event) {
		switch ev.Kind {
		case fleet.DeviceUpdated:
			b.deviceUpdated(account, ev)
		case fleet.DeviceRemoved:
			b.deviceRemoved(account, ev.DeviceID)
		case fleet.NotificationsChanged:
			b.publishNotifications(account, ev.Notifications)
		case fleet.TickCompleted:
			b.publishTick(account, ev)
		}
	}
}

func (b *Bridge) deviceUpdated(account string, ev fleet.Event) {
	if ev.Schema == nil {
		return
	}
	instances := fleet.EntitiesFor(ev.DeviceID, ev.Schema)
	key := account + "/" + ev.DeviceID

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.devices[key]
	next := &published{device: ev.Device, instances: instances, topics: make(map[string]bool, len(instances))}
	for _, inst := range instances {
		next.topics[b.discoveryTopic(inst, account)] = true
	}

	if prev == nil || !sameTopics(prev.topics, next.topics) || prev.device.Name != ev.Device.Name || prev.device.Model != ev.Device.Model {
		for _, msg := range b.buildDiscovery(account, ev.Device, instances) {
			b.transport.Publish(msg.Topic, msg.Payload, true)
		}
		if prev != nil {
			for topic := range prev.topics {
				if !next.topics[topic] {
					b.transport.Publish(topic, nil, true)
				}
			}
		}
	}
	b.devices[key] = next
	b.publishState(account, next)
}

func (b *Bridge) publishState(account string, p *published) {
	b.transport.Publish(b.stateTopic(account, p.device.ID), statePayload(p.device, p.instances), true)
	availability := "offline"
	if p.device.Online {
		availability = "online"
	}
	b.transport.Publish(b.availabilityTopic(account, p.device.ID), []byte(availability), true)
}

func (b *Bridge) deviceRemoved(account, deviceID string) {
	key := account + "/" + deviceID

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.devices[key]
	if !ok {
		return
	}
	delete(b.devices, key)
	for topic := range p.topics {
		b.transport.Publish(topic, nil, true)
	}
	b.transport.Publish(b.availabilityTopic(account, deviceID), []byte("offline"), true)
	b.transport.Publish(b.stateTopic(account, deviceID), nil, true)
	b.log.Info("device removed", "account", account, "device", deviceID)
}

func (b *Bridge) publishNotifications(account string, list []fleet.Notification) {
	if list == nil {
		list = []fleet.Notification{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		b.log.Error(err, "encode notifications", "account", account)
		return
	}
	b.transport.Publish(b.notificationsTopic(account), data, true)
}

func (b *Bridge) publishTick(account string, ev fleet.Event) {
	payload := map[string]any{
		"at":      ev.At.UTC().Format(time.RFC3339),
		"devices": len(ev.Devices),
	}
	if ev.TickError != "" {
		payload["error"] = ev.TickError
	}
	data, _ := json.Marshal(payload)
	b.transport.Publish(b.tickTopic(account), data, true)
}

// onCommand handles <prefix>/<account>/<device>/<code>/set.
func (b *Bridge) onCommand(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "set" {
		b.log.V(1).Info("ignoring command topic", "topic", topic)
		return
	}
	account, ok := b.accounts[parts[0]]
	if !ok {
		b.log.Info("command for unknown account", "topic", topic)
		return
	}
	deviceID, ok := b.resolveDevice(parts[0], parts[1])
	if !ok {
		b.log.Info("command for unknown device", "topic", topic)
		return
	}
	code := parts[2]
	value := parseCommand(payload)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
		defer cancel()
		if err := account.Write(ctx, deviceID, code, value); err != nil {
			b.log.Error(err, "command failed", "account", parts[0], "device", deviceID, "code", code)
			return
		}
		b.log.Info("command applied", "account", parts[0], "device", deviceID, "code", code, "value", value)
	}()
}

// resolveDevice maps a topic-safe device segment back to the device id.
func (b *Bridge) resolveDevice(account, segment string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices[account+"/"+segment]; ok {
		return segment, true
	}
	for key, p := range b.devices {
		if strings.HasPrefix(key, account+"/") && topicSafe(p.device.ID) == segment {
			return p.device.ID, true
		}
	}
	return "", false
}

func parseCommand(payload []byte) any {
	raw := strings.TrimSpace(string(payload))
	switch strings.ToUpper(raw) {
	case payloadOn, "TRUE":
		return true
	case payloadOff, "FALSE":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

func sameTopics(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for topic := range a {
		if !b[topic] {
			return false
		}
	}
	return true
}
