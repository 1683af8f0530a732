package server

import (
	"context"
	"fmt"

	"github.com/joshp123/pecronhub/internal/core"
	"github.com/joshp123/pecronhub/internal/fleet"
)

// Account is the coordinator surface served over HTTP and gRPC.
type Account interface {
	core.Account
	Store() *fleet.Store
	Notifications() []fleet.Notification
	Write(ctx context.Context, deviceID, code string, value any) error
	Refresh(ctx context.Context) error
}

// Fleet resolves requests against the configured accounts. Both transports
// share it so they agree on lookups and errors.
type Fleet struct {
	accounts *core.Registry[Account]
}

func NewFleet(accounts []Account) *Fleet {
	return &Fleet{accounts: core.NewRegistry(accounts)}
}

func (f *Fleet) Accounts() []core.Summary {
	return f.accounts.List()
}

func (f *Fleet) Health() core.HealthStatus {
	return f.accounts.Health()
}

func (f *Fleet) account(id string) (Account, error) {
	a, ok := f.accounts.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownAccount, id)
	}
	return a, nil
}

func (f *Fleet) Devices(accountID string) ([]fleet.Device, error) {
	a, err := f.account(accountID)
	if err != nil {
		return nil, err
	}
	return a.Store().Devices(), nil
}

func (f *Fleet) Device(accountID, deviceID string) (fleet.Device, error) {
	a, err := f.account(accountID)
	if err != nil {
		return fleet.Device{}, err
	}
	d, ok := a.Store().Device(deviceID)
	if !ok {
		return fleet.Device{}, fmt.Errorf("%w: %s", errUnknownDevice, deviceID)
	}
	return d, nil
}

// Entities lists the presentable entities of one device with their
// current values.
func (f *Fleet) Entities(accountID, deviceID string) ([]EntityView, error) {
	d, err := f.Device(accountID, deviceID)
	if err != nil {
		return nil, err
	}
	a, _ := f.account(accountID)
	sc, ok := a.Store().Schema(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownDevice, deviceID)
	}
	var out []EntityView
	for _, inst := range fleet.EntitiesFor(deviceID, sc) {
		out = append(out, EntityView{
			UniqueID:    inst.UniqueID(),
			Kind:        string(inst.Kind),
			Key:         inst.Key,
			Name:        inst.Name,
			DeviceClass: inst.DeviceClass,
			Unit:        inst.Unit,
			Writable:    inst.Writable(),
			Value:       inst.Project(d),
		})
	}
	return out, nil
}

// EntityView is the wire form of a bound entity.
type EntityView struct {
	UniqueID    string `json:"unique_id"`
	Kind        string `json:"kind"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	DeviceClass string `json:"device_class,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Writable    bool   `json:"writable"`
	Value       any    `json:"value"`
}

// SetProperty writes a value and returns the snapshot that includes the
// optimistic overlay.
func (f *Fleet) SetProperty(ctx context.Context, accountID, deviceID, code string, value any) (fleet.Device, error) {
	a, err := f.account(accountID)
	if err != nil {
		return fleet.Device{}, err
	}
	if _, ok := a.Store().Record(deviceID); !ok {
		return fleet.Device{}, fmt.Errorf("%w: %s", errUnknownDevice, deviceID)
	}
	if err := a.Write(ctx, deviceID, code, value); err != nil {
		return fleet.Device{}, err
	}
	return f.Device(accountID, deviceID)
}

func (f *Fleet) Notifications(accountID string) ([]fleet.Notification, error) {
	a, err := f.account(accountID)
	if err != nil {
		return nil, err
	}
	list := a.Notifications()
	if list == nil {
		list = []fleet.Notification{}
	}
	return list, nil
}

func (f *Fleet) Refresh(ctx context.Context, accountID string) error {
	a, err := f.account(accountID)
	if err != nil {
		return err
	}
	return a.Refresh(ctx)
}

// Subscribe attaches fn to the named accounts, or all accounts when ids is
// empty. fn runs synchronously inside the store and must not block.
func (f *Fleet) Subscribe(fn func(fleet.Event), ids ...string) (func(), error) {
	var targets []Account
	if len(ids) == 0 {
		targets = f.accounts.All()
	}
	for _, id := range ids {
		a, err := f.account(id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, a)
	}
	cancels := make([]func(), 0, len(targets))
	for _, a := range targets {
		cancels = append(cancels, a.Store().Subscribe(fn))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}, nil
}
