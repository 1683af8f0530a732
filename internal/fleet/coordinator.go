package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/pecronhub/internal/clock"
	"github.com/joshp123/pecronhub/internal/core"
	"github.com/joshp123/pecronhub/internal/pecron"
	"github.com/joshp123/pecronhub/internal/retry"
	"github.com/joshp123/pecronhub/internal/schema"
)

const (
	DefaultInterval        = 10 * time.Minute
	MinInterval            = time.Minute
	MaxInterval            = 60 * time.Minute
	DefaultMaxConcurrent   = 4
	DefaultInitialAttempts = 3
	DefaultInitialDelay    = 5 * time.Second
)

// API is the slice of the cloud client the coordinator needs.
type API interface {
	Setter
	ListDevices(ctx context.Context) ([]pecron.DeviceStub, error)
	GetProperties(ctx context.Context, deviceID, model string) (pecron.Properties, error)
}

// SchemaSource resolves model schemas.
type SchemaSource interface {
	Fetch(ctx context.Context, model string) (*schema.Schema, error)
}

type Options struct {
	Account         string
	Interval        time.Duration
	SettleWindow    time.Duration
	ConfirmDelays   []time.Duration
	MaxConcurrent   int
	InitialAttempts int
	InitialDelay    time.Duration
	// Policy governs list and property fetches; WritePolicy governs writes.
	Policy      retry.Policy
	WritePolicy retry.Policy
	Clock       clock.Clock
	Metrics     *Metrics
	Log         logr.Logger
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.SettleWindow <= 0 {
		o.SettleWindow = DefaultSettleWindow
	}
	if o.ConfirmDelays == nil {
		o.ConfirmDelays = DefaultConfirmDelays
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.InitialAttempts <= 0 {
		o.InitialAttempts = DefaultInitialAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.Policy.Attempts == 0 {
		o.Policy = retry.DefaultPolicy()
	}
	if o.WritePolicy.Attempts == 0 {
		o.WritePolicy = o.Policy
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Log.GetSink() == nil {
		o.Log = logr.Discard()
	}
	if o.Policy.Log.GetSink() == nil {
		o.Policy.Log = o.Log
	}
	if o.WritePolicy.Log.GetSink() == nil {
		o.WritePolicy.Log = o.Log
	}
}

// Coordinator polls one account and reconciles results with local writes.
type Coordinator struct {
	opts    Options
	api     API
	schemas SchemaSource
	store   *Store
	opt     *optimistic
	notes   *notifier
	metrics *Metrics
	log     logr.Logger

	tickMu sync.Mutex

	mu       sync.Mutex
	lastTick time.Time
	lastErr  error
}

func NewCoordinator(api API, schemas SchemaSource, opts Options) (*Coordinator, error) {
	if api == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if schemas == nil {
		return nil, fmt.Errorf("schema source is required")
	}
	if opts.Account == "" {
		return nil, fmt.Errorf("account id is required")
	}
	opts.applyDefaults()
	if opts.Interval < MinInterval || opts.Interval > MaxInterval {
		return nil, fmt.Errorf("poll interval %s outside %s..%s", opts.Interval, MinInterval, MaxInterval)
	}

	log := opts.Log.WithName("fleet").WithValues("account", opts.Account)
	store := NewStore(opts.Account)
	c := &Coordinator{
		opts:    opts,
		api:     api,
		schemas: schemas,
		store:   store,
		metrics: opts.Metrics,
		log:     log,
	}
	c.notes = newNotifier(log, opts.Clock.Now, store.publishNotifications)
	c.opt = newOptimistic(store, api, opts.Clock, opts.WritePolicy, opts.SettleWindow, opts.ConfirmDelays, c.notes, opts.Metrics, log)
	c.opt.confirm = c.confirm
	return c, nil
}

func (c *Coordinator) ID() string {
	return c.opts.Account
}

func (c *Coordinator) Store() *Store {
	return c.store
}

func (c *Coordinator) Notifications() []Notification {
	return c.notes.list()
}

// Pending returns the unconfirmed write for a device property, if any.
func (c *Coordinator) Pending(deviceID, code string) (PendingWrite, bool) {
	return c.opt.pendingWrite(deviceID, schema.Normalize(code))
}

// Run performs the initial refresh, retrying it with a doubling delay, then
// polls on the interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	delay := c.opts.InitialDelay
	var err error
	for attempt := 1; attempt <= c.opts.InitialAttempts; attempt++ {
		if err = c.Refresh(ctx); err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == c.opts.InitialAttempts {
			break
		}
		c.log.Info("initial refresh failed, retrying", "attempt", attempt, "delay", delay, "error", err.Error())
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
	if err != nil && !errors.Is(err, retry.ErrAuth) {
		c.notes.raise(Notification{
			Kind:    NoteConnectionFailed,
			Title:   "Pecron connection failed",
			Message: fmt.Sprintf("Could not reach the Pecron cloud after %d attempts: %v", c.opts.InitialAttempts, err),
		})
	}

	next := c.opts.Clock.Now().Add(c.opts.Interval)
	for {
		if err := c.sleep(ctx, next.Sub(c.opts.Clock.Now())); err != nil {
			return err
		}
		next = next.Add(c.opts.Interval)
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.log.Error(err, "poll tick failed")
		}
	}
}

// sleep waits d on the coordinator clock.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := c.opts.Clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Refresh runs one poll tick. It fails only when the device list could not
// be fetched; per-device failures mark those devices offline.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := c.opts.Clock.Now()
	err := c.tick(ctx)
	took := c.opts.Clock.Now().Sub(start)

	c.mu.Lock()
	c.lastTick = start
	c.lastErr = err
	c.mu.Unlock()

	devices := c.store.Devices()
	c.metrics.observeTick(start, took, err)
	c.metrics.observeDevices(devices)
	c.store.publishTick(start, err)
	return err
}

func (c *Coordinator) tick(ctx context.Context) error {
	stubs, err := retry.Do(ctx, c.opts.Policy, c.api.ListDevices)
	if err != nil {
		c.noteFailure(err)
		return fmt.Errorf("list devices: %w", err)
	}
	c.notes.clear(NoteAuthFailed, "")
	c.notes.clear(NoteConnectionFailed, "")

	added, removed := c.store.Sync(stubs)
	for _, id := range removed {
		c.opt.forget(id)
		c.log.Info("device removed", "device", id)
	}
	for _, id := range added {
		c.log.Info("device discovered", "device", id)
	}

	if len(stubs) == 0 {
		c.notes.raise(Notification{
			Kind:    NoteNoDevices,
			Title:   "No Pecron devices found",
			Message: "The account has no devices. Check that they are registered in the Pecron app.",
		})
		return nil
	}
	c.notes.clear(NoteNoDevices, "")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrent)
	for _, stub := range stubs {
		g.Go(func() error {
			c.refreshDevice(gctx, stub)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) refreshDevice(ctx context.Context, stub pecron.DeviceStub) {
	log := c.log.WithValues("device", stub.ID, "model", stub.Model)

	sc, err := c.schemas.Fetch(ctx, stub.Model)
	if err != nil {
		log.Error(err, "schema fetch failed")
		c.store.markOffline(stub.ID, c.opts.Clock.Now())
		c.noteFailure(err)
		return
	}
	c.store.SetSchema(stub.ID, sc)

	props, err := retry.Do(ctx, c.opts.Policy, func(ctx context.Context) (pecron.Properties, error) {
		return c.api.GetProperties(ctx, stub.ID, stub.Model)
	})
	if err != nil {
		log.Error(err, "property fetch failed, marking offline")
		c.store.markOffline(stub.ID, c.opts.Clock.Now())
		c.noteFailure(err)
		return
	}
	c.opt.merge(stub.ID, props, stub.Online, c.opts.Clock.Now())
}

// confirm is the out-of-band fetch scheduled after a write.
func (c *Coordinator) confirm(ctx context.Context, deviceID string) {
	rec, ok := c.store.Record(deviceID)
	if !ok {
		return
	}
	props, err := retry.Do(ctx, c.opts.Policy.WithAttempts(1), func(ctx context.Context) (pecron.Properties, error) {
		return c.api.GetProperties(ctx, deviceID, rec.Model)
	})
	if err != nil {
		c.log.V(1).Info("confirmation fetch failed", "device", deviceID, "error", err.Error())
		return
	}
	c.opt.merge(deviceID, props, rec.Online, c.opts.Clock.Now())
}

func (c *Coordinator) noteFailure(err error) {
	if !errors.Is(err, retry.ErrAuth) {
		return
	}
	c.notes.raise(Notification{
		Kind:    NoteAuthFailed,
		Title:   "Pecron authentication failed",
		Message: "The Pecron cloud rejected the account credentials. Update the email or password.",
	})
}

// Write validates value against the device schema and issues it
// optimistically. The visible value changes before the cloud answers.
func (c *Coordinator) Write(ctx context.Context, deviceID, code string, value any) error {
	rec, ok := c.store.Record(deviceID)
	if !ok {
		return &retry.Error{Class: retry.ClassValidation, Err: fmt.Errorf("device %s: %w", deviceID, retry.ErrDeviceUnavailable)}
	}
	sc, ok := c.store.Schema(deviceID)
	if !ok {
		return &retry.Error{Class: retry.ClassValidation, Err: fmt.Errorf("device %s: schema not resolved: %w", deviceID, retry.ErrDeviceUnavailable)}
	}
	if !sc.Writable(code) {
		return &retry.Error{Class: retry.ClassValidation, Err: fmt.Errorf("%w: %s is not writable on %s", retry.ErrValidation, code, rec.Model)}
	}

	entry, found := sc.Lookup(code)
	if !found {
		entry = schema.Entry{Code: schema.Normalize(code), Writable: true}
	}
	coerced, err := Coerce(value, entry.ValueType)
	if err != nil {
		return err
	}

	return c.opt.issue(ctx, writeRequest{
		DeviceID: deviceID,
		Model:    rec.Model,
		Code:     entry.Code,
		WireCode: entry.WireCode(),
		Value:    coerced,
	})
}

// Close stops every pending timer. No timer fires after Close returns.
func (c *Coordinator) Close() {
	c.opt.close()
}

func (c *Coordinator) Health() core.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.lastTick.IsZero():
		return core.HealthDegraded
	case c.lastErr != nil && errors.Is(c.lastErr, retry.ErrAuth):
		return core.HealthError
	case c.lastErr != nil:
		return core.HealthDegraded
	default:
		return core.HealthHealthy
	}
}

func (c *Coordinator) HealthMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.lastTick.IsZero():
		return "waiting for first poll"
	case c.lastErr != nil:
		return c.lastErr.Error()
	default:
		return fmt.Sprintf("last poll %s", c.lastTick.UTC().Format(time.RFC3339))
	}
}

func (c *Coordinator) Collectors() []prometheus.Collector {
	return c.metrics.Collectors()
}
