package bridge

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/tiwiapi"
)

type sentCommand struct {
	deviceID   string
	moduleType int
	portID     int
	name       string
}

type fakeSender struct {
	subscribed []string
	sent       []sentCommand
	err        error
}

func (f *fakeSender) Subscribe(deviceID string) error {
	f.subscribed = append(f.subscribed, deviceID)
	return f.err
}

func (f *fakeSender) SendCommand(deviceID string, moduleType, portID int, cmd tiwiapi.Command) error {
	f.sent = append(f.sent, sentCommand{deviceID, moduleType, portID, cmd.Name()})
	return f.err
}

func twoDevices(t *testing.T, sender *fakeSender) *Bridge {
	t.Helper()

	b := New(sender, nil)
	b.AddDevice(tiwiapi.Device{ID: "gd1", Name: "Main door"}, &tiwiapi.DeviceDetail{
		Serial:   "SER-1",
		MAC:      "c0:ff:ee:00:00:01",
		ModuleID: 2,
		PortID:   7,
		State:    tiwiapi.GarageState{Door: tiwiapi.DoorClosed},
	})
	b.AddDevice(tiwiapi.Device{ID: "gd2", Name: "Shed door"}, nil)
	return b
}

func TestDevicesKeepDirectoryOrder(t *testing.T) {
	b := twoDevices(t, &fakeSender{})

	devs := b.Devices()
	if len(devs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devs))
	}
	if devs[0].ID != "gd1" || devs[1].ID != "gd2" {
		t.Errorf("directory order not preserved: %s, %s", devs[0].ID, devs[1].ID)
	}
	if devs[0].Serial != "SER-1" || devs[0].PortID != 7 {
		t.Errorf("detail not folded into snapshot: %+v", devs[0])
	}

	// nil detail still leaves the device tracked
	if _, ok := b.Device("gd2"); !ok {
		t.Error("device without detail should still be tracked")
	}
}

func TestWatch(t *testing.T) {
	sender := &fakeSender{}
	b := twoDevices(t, sender)

	if err := b.Watch("gd1"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(sender.subscribed) != 1 || sender.subscribed[0] != "gd1" {
		t.Errorf("expected one subscription for gd1, got %v", sender.subscribed)
	}

	if err := b.Watch("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestApplyNotifiesObservers(t *testing.T) {
	b := twoDevices(t, &fakeSender{})

	var seen []Device
	b.Observe(func(d Device) { seen = append(seen, d) })

	b.Apply(tiwiapi.Update{
		DeviceID: "gd1",
		Attributes: map[string]tiwiapi.Attribute{
			"doorState": {
				Value:     json.RawMessage(`3`),
				LastValue: json.RawMessage(`0`),
				LastSet:   time.Unix(1690000000, 0),
			},
			"doorPercentOpen": {Value: json.RawMessage(`0.4`)},
		},
	})

	if len(seen) != 1 {
		t.Fatalf("expected 1 observer call, got %d", len(seen))
	}
	if seen[0].State.Door != tiwiapi.DoorOpening {
		t.Errorf("expected DoorOpening, got %s", seen[0].State.Door)
	}
	if seen[0].State.PercentOpen != 0.4 {
		t.Errorf("expected percent open 0.4, got %v", seen[0].State.PercentOpen)
	}

	// the stored snapshot changed too
	dev, _ := b.Device("gd1")
	if dev.State.Door != tiwiapi.DoorOpening {
		t.Errorf("stored state not updated: %s", dev.State.Door)
	}

	// untracked devices are dropped without observer noise
	b.Apply(tiwiapi.Update{DeviceID: "stranger"})
	if len(seen) != 1 {
		t.Errorf("untracked update should not notify observers")
	}
}

func TestCommandsUseDeviceModuleAndPort(t *testing.T) {
	sender := &fakeSender{}
	b := twoDevices(t, sender)

	if err := b.OpenDoor("gd1"); err != nil {
		t.Fatalf("OpenDoor: %v", err)
	}
	if err := b.CloseDoor("gd1"); err != nil {
		t.Fatalf("CloseDoor: %v", err)
	}
	if err := b.SetLight("gd1", true); err != nil {
		t.Fatalf("SetLight on: %v", err)
	}
	if err := b.SetLight("gd1", false); err != nil {
		t.Fatalf("SetLight off: %v", err)
	}

	want := []sentCommand{
		{"gd1", 2, 7, "door-open"},
		{"gd1", 2, 7, "door-close"},
		{"gd1", 2, 7, "light-on"},
		{"gd1", 2, 7, "light-off"},
	}
	if len(sender.sent) != len(want) {
		t.Fatalf("expected %d commands, got %d", len(want), len(sender.sent))
	}
	for i, w := range want {
		if sender.sent[i] != w {
			t.Errorf("command %d: expected %+v, got %+v", i, w, sender.sent[i])
		}
	}

	if err := b.OpenDoor("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestCommandErrorsAreWrapped(t *testing.T) {
	sender := &fakeSender{err: errors.New("socket down")}
	b := twoDevices(t, sender)

	err := b.OpenDoor("gd1")
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := err.Error(); got != "sending door-open to gd1: socket down" {
		t.Errorf("unexpected error text %q", got)
	}
}
