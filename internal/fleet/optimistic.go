package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/joshp123/pecronhub/internal/clock"
	"github.com/joshp123/pecronhub/internal/pecron"
	"github.com/joshp123/pecronhub/internal/retry"
)

const (
	DefaultSettleWindow = 20 * time.Second
)

// DefaultConfirmDelays are the out-of-band fetches after a write.
var DefaultConfirmDelays = []time.Duration{5 * time.Second, 15 * time.Second}

var errClosed = errors.New("coordinator closed")

// WriteError reports a write the cloud did not accept. The visible value has
// already been reverted when it is returned.
type WriteError struct {
	DeviceID string
	Code     string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s on %s: %v", e.Code, e.DeviceID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// PendingWrite is a desired value that has not been confirmed by a poll.
type PendingWrite struct {
	ID          string
	DeviceID    string
	Code        string
	Desired     any
	IssuedAt    time.Time
	SettleUntil time.Time

	// disagreed is set when a poll contradicted Desired during the window.
	disagreed bool
	// superseded is set once a newer write to the same property is issued.
	superseded bool
	timers     []clock.Timer
}

func (p *PendingWrite) stop() {
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
}

type pendingKey struct {
	device string
	code   string
}

// Setter issues property writes.
type Setter interface {
	SetProperty(ctx context.Context, deviceID, model, code string, value any) (pecron.Ack, error)
}

type writeRequest struct {
	DeviceID string
	Model    string
	Code     string
	WireCode string
	Value    any
}

// optimistic overlays desired values while a write settles. Lock order is
// optimistic.mu then the store's per-device lock.
type optimistic struct {
	store   *Store
	setter  Setter
	clock   clock.Clock
	policy  retry.Policy
	settle  time.Duration
	delays  []time.Duration
	confirm func(ctx context.Context, deviceID string)
	notes   *notifier
	metrics *Metrics
	log     logr.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[pendingKey]*PendingWrite
	closed  bool
	running sync.WaitGroup
}

func newOptimistic(store *Store, setter Setter, clk clock.Clock, policy retry.Policy, settle time.Duration, delays []time.Duration, notes *notifier, metrics *Metrics, log logr.Logger) *optimistic {
	ctx, cancel := context.WithCancel(context.Background())
	return &optimistic{
		store:   store,
		setter:  setter,
		clock:   clk,
		policy:  policy,
		settle:  settle,
		delays:  delays,
		notes:   notes,
		metrics: metrics,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[pendingKey]*PendingWrite),
	}
}

// issue overlays the desired value, arms the settle and confirmation timers
// and then performs the write.
func (o *optimistic) issue(ctx context.Context, req writeRequest) error {
	key := pendingKey{device: req.DeviceID, code: req.Code}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errClosed
	}
	if prior, ok := o.pending[key]; ok {
		prior.stop()
		prior.superseded = true
		o.log.V(1).Info("superseding pending write", "device", req.DeviceID, "code", req.Code, "write", prior.ID)
	}
	now := o.clock.Now()
	pw := &PendingWrite{
		ID:          uuid.NewString(),
		DeviceID:    req.DeviceID,
		Code:        req.Code,
		Desired:     req.Value,
		IssuedAt:    now,
		SettleUntil: now.Add(o.settle),
	}
	o.pending[key] = pw
	o.store.overlay(req.DeviceID, req.Code, req.Value)
	pw.timers = append(pw.timers, o.clock.AfterFunc(o.settle, func() { o.expire(key, pw) }))
	for _, delay := range o.delays {
		if delay <= 0 || delay >= o.settle {
			continue
		}
		pw.timers = append(pw.timers, o.clock.AfterFunc(delay, func() { o.runConfirm(key, pw) }))
	}
	o.metrics.setPending(len(o.pending))
	o.mu.Unlock()

	_, err := retry.Do(ctx, o.policy, func(ctx context.Context) (pecron.Ack, error) {
		return o.setter.SetProperty(ctx, req.DeviceID, req.Model, req.WireCode, req.Value)
	})
	if err == nil {
		o.metrics.writeResult("ok")
		o.notes.clear(NoteControlFailed, controlNoteID(req.DeviceID, req.Code))
		o.log.V(1).Info("write accepted", "device", req.DeviceID, "code", req.Code, "write", pw.ID)
		return nil
	}

	// The settle window may have expired while the write was retrying; the
	// overlay is reverted unless a newer write owns the property.
	o.mu.Lock()
	if o.pending[key] == pw {
		pw.stop()
		delete(o.pending, key)
		o.metrics.setPending(len(o.pending))
	}
	if !pw.superseded && !o.closed {
		o.store.revert(req.DeviceID, req.Code)
	}
	o.mu.Unlock()

	o.metrics.writeResult(retry.Classify(err).String())
	o.log.Error(err, "write failed", "device", req.DeviceID, "code", req.Code, "write", pw.ID)
	o.notes.raise(Notification{
		ID:       controlNoteID(req.DeviceID, req.Code),
		Kind:     NoteControlFailed,
		Title:    "Pecron control failed",
		Message:  fmt.Sprintf("Setting %s on %s failed: %v", req.Code, req.DeviceID, err),
		DeviceID: req.DeviceID,
	})
	return &WriteError{DeviceID: req.DeviceID, Code: req.Code, Err: err}
}

func controlNoteID(deviceID, code string) string {
	return string(NoteControlFailed) + ":" + deviceID + ":" + code
}

// merge applies polled properties, hiding values that contradict a write
// still inside its settling window.
func (o *optimistic) merge(deviceID string, props pecron.Properties, online bool, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	res := pollResult{props: props, online: online, at: at, suppress: make(map[string]bool)}
	for code, value := range props {
		key := pendingKey{device: deviceID, code: code}
		pw, ok := o.pending[key]
		if !ok {
			continue
		}
		switch {
		case Equal(value, pw.Desired):
			o.log.V(1).Info("write confirmed", "device", deviceID, "code", code, "write", pw.ID)
		case now.Before(pw.SettleUntil):
			pw.disagreed = true
			res.suppress[code] = true
			continue
		}
		pw.stop()
		delete(o.pending, key)
		res.settled = append(res.settled, code)
	}
	o.store.applyPoll(deviceID, res)
	o.metrics.setPending(len(o.pending))
}

func (o *optimistic) expire(key pendingKey, pw *PendingWrite) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.pending[key] != pw {
		return
	}
	pw.stop()
	delete(o.pending, key)
	o.store.settle(key.device, key.code)
	o.metrics.setPending(len(o.pending))
	o.log.V(1).Info("settle window expired", "device", key.device, "code", key.code, "write", pw.ID, "disagreed", pw.disagreed)
}

func (o *optimistic) runConfirm(key pendingKey, pw *PendingWrite) {
	o.mu.Lock()
	if o.closed || o.pending[key] != pw || o.confirm == nil {
		o.mu.Unlock()
		return
	}
	o.running.Add(1)
	o.mu.Unlock()
	defer o.running.Done()

	o.confirm(o.ctx, key.device)
}

// forget drops every pending write of a removed device.
func (o *optimistic) forget(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, pw := range o.pending {
		if key.device == deviceID {
			pw.stop()
			delete(o.pending, key)
		}
	}
	o.metrics.setPending(len(o.pending))
}

func (o *optimistic) pendingWrite(deviceID, code string) (PendingWrite, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pw, ok := o.pending[pendingKey{device: deviceID, code: code}]
	if !ok {
		return PendingWrite{}, false
	}
	out := *pw
	out.timers = nil
	return out, true
}

// close cancels every timer and waits for confirmation fetches in flight.
func (o *optimistic) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for key, pw := range o.pending {
		pw.stop()
		delete(o.pending, key)
	}
	o.mu.Unlock()

	o.cancel()
	o.running.Wait()
}
