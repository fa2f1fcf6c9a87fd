package bridge

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/tiwiapi"
)

// ErrUnknownDevice is returned for intents against a device that was
// not in the account's directory.
var ErrUnknownDevice = errors.New("unknown device")

// CommandSender is the realtime connection as the bridge sees it.
type CommandSender interface {
	Subscribe(deviceID string) error
	SendCommand(deviceID string, moduleType, portID int, cmd tiwiapi.Command) error
}

// Device is a snapshot of one garage door opener: directory metadata
// plus the live state.
type Device struct {
	ID          string
	Name        string
	Description string
	Version     string
	Serial      string
	MAC         string
	ModuleID    int
	PortID      int
	LastSeen    time.Time
	State       tiwiapi.GarageState
}

// Observer is notified with a device snapshot after every applied
// state update.  Observers run on the update pump goroutine and must
// not block.
type Observer func(Device)

// Bridge owns the device snapshots.  It applies inbound notifications
// in place (latest received wins) and forwards open/close and light
// intents to the realtime connection.  There is deliberately no
// position-set or stop intent.
type Bridge struct {
	sender  CommandSender
	metrics *Metrics

	mu        sync.RWMutex
	order     []string
	devices   map[string]*Device
	observers []Observer
}

// New builds a bridge.  metrics may be nil.
func New(sender CommandSender, metrics *Metrics) *Bridge {
	return &Bridge{
		sender:  sender,
		metrics: metrics,
		devices: make(map[string]*Device),
	}
}

// AddDevice registers a directory entry.  detail may be nil when the
// per-device fetch failed; the device is still tracked and its state
// filled in by notifications.
func (b *Bridge) AddDevice(d tiwiapi.Device, detail *tiwiapi.DeviceDetail) {
	dev := &Device{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Version:     d.Version,
		LastSeen:    d.LastSeen,
	}
	if detail != nil {
		dev.Serial = detail.Serial
		dev.MAC = detail.MAC
		dev.ModuleID = detail.ModuleID
		dev.PortID = detail.PortID
		dev.State = detail.State
	}

	b.mu.Lock()
	if _, exists := b.devices[d.ID]; !exists {
		b.order = append(b.order, d.ID)
	}
	b.devices[d.ID] = dev
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.observeState(*dev)
	}
}

// Watch subscribes the realtime connection to the device's
// notification topic.
func (b *Bridge) Watch(deviceID string) error {
	b.mu.RLock()
	_, ok := b.devices[deviceID]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownDevice
	}

	return b.sender.Subscribe(deviceID)
}

// Observe registers an observer for state changes.
func (b *Bridge) Observe(fn Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Devices returns snapshots in directory order.
func (b *Bridge) Devices() []Device {
	b.mu.RLock()
	defer b.mu.RUnlock()

	items := make([]Device, 0, len(b.order))
	for _, id := range b.order {
		items = append(items, *b.devices[id])
	}
	return items
}

// Device returns a snapshot of one device.
func (b *Bridge) Device(deviceID string) (Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, ok := b.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Apply folds a notification into the matching device snapshot and
// fans the new snapshot out to observers.  Updates for devices we do
// not track are dropped.
func (b *Bridge) Apply(u tiwiapi.Update) {
	b.mu.Lock()
	dev, ok := b.devices[u.DeviceID]
	if !ok {
		b.mu.Unlock()
		logging.Logger(nil).Debugf("dropping update for untracked device %s", u.DeviceID)
		return
	}

	dev.State.Apply(u)
	snapshot := *dev
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.observeNotification(snapshot)
	}

	for _, fn := range observers {
		fn(snapshot)
	}
}

// OpenDoor asks the cloud to open the device's door.  Confirmation
// arrives only as a later doorState notification.
func (b *Bridge) OpenDoor(deviceID string) error {
	return b.command(deviceID, tiwiapi.OpenDoorCommand())
}

// CloseDoor asks the cloud to close the device's door.
func (b *Bridge) CloseDoor(deviceID string) error {
	return b.command(deviceID, tiwiapi.CloseDoorCommand())
}

// SetLight switches the opener's light.
func (b *Bridge) SetLight(deviceID string, on bool) error {
	if on {
		return b.command(deviceID, tiwiapi.LightOnCommand())
	}
	return b.command(deviceID, tiwiapi.LightOffCommand())
}

func (b *Bridge) command(deviceID string, cmd tiwiapi.Command) error {
	b.mu.RLock()
	dev, ok := b.devices[deviceID]
	var moduleType, portID int
	if ok {
		moduleType = dev.ModuleID
		portID = dev.PortID
	}
	b.mu.RUnlock()

	if !ok {
		return ErrUnknownDevice
	}

	if err := b.sender.SendCommand(deviceID, moduleType, portID, cmd); err != nil {
		return errors.Wrapf(err, "sending %s to %s", cmd.Name(), deviceID)
	}

	if b.metrics != nil {
		b.metrics.observeCommand(cmd)
	}
	return nil
}
