package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

type NotificationKind string

const (
	NoteAuthFailed       NotificationKind = "auth_failed"
	NoteConnectionFailed NotificationKind = "connection_failed"
	NoteNoDevices        NotificationKind = "no_devices"
	NoteControlFailed    NotificationKind = "control_failed"
)

// Notification is a persistent account-level message. It stays until the
// condition that raised it clears.
type Notification struct {
	ID       string           `json:"id"`
	Kind     NotificationKind `json:"kind"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
	DeviceID string           `json:"device_id,omitempty"`
	Raised   time.Time        `json:"raised"`
}

type notifier struct {
	log     logr.Logger
	now     func() time.Time
	publish func([]Notification)

	mu    sync.Mutex
	items map[string]Notification
}

func newNotifier(log logr.Logger, now func() time.Time, publish func([]Notification)) *notifier {
	return &notifier{log: log, now: now, publish: publish, items: make(map[string]Notification)}
}

func (n *notifier) raise(note Notification) {
	if note.ID == "" {
		note.ID = string(note.Kind)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	existing, ok := n.items[note.ID]
	if ok && existing.Message == note.Message {
		return
	}
	note.Raised = n.now()
	n.items[note.ID] = note

	n.log.Info("notification raised", "kind", string(note.Kind), "title", note.Title, "message", note.Message)
	n.publish(n.listLocked())
}

// clear drops every notification of kind, or only id when given.
func (n *notifier) clear(kind NotificationKind, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := false
	for key, note := range n.items {
		if note.Kind != kind || (id != "" && key != id) {
			continue
		}
		delete(n.items, key)
		changed = true
	}
	if !changed {
		return
	}
	n.log.V(1).Info("notification cleared", "kind", string(kind))
	n.publish(n.listLocked())
}

func (n *notifier) list() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listLocked()
}

func (n *notifier) listLocked() []Notification {
	out := make([]Notification, 0, len(n.items))
	for _, note := range n.items {
		out = append(out, note)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
