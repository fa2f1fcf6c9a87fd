package hamqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/bridge"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/tiwiapi"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	cmdOpen  = "OPEN"
	cmdClose = "CLOSE"
	cmdStop  = "STOP"
	cmdOn    = "ON"
	cmdOff   = "OFF"
)

// pubsub is the slice of the MQTT client the entity bridge needs;
// tests substitute a fake.
type pubsub interface {
	Publish(topic string, retain bool, payload []byte) error
	Subscribe(topic string, cb func(topic string, payload []byte)) error
}

// EntityBridge projects bridge devices onto MQTT topics: a cover and a
// light entity per opener, published with Home Assistant discovery
// configs, plus command topics feeding intents back to the bridge.
type EntityBridge struct {
	pub             pubsub
	devices         *bridge.Bridge
	baseTopic       string
	discoveryPrefix string
}

func NewEntityBridge(pub pubsub, devices *bridge.Bridge, baseTopic, discoveryPrefix string) *EntityBridge {
	if baseTopic == "" {
		baseTopic = "ryobi-gdo"
	}
	if discoveryPrefix == "" {
		discoveryPrefix = "homeassistant"
	}

	return &EntityBridge{
		pub:             pub,
		devices:         devices,
		baseTopic:       baseTopic,
		discoveryPrefix: discoveryPrefix,
	}
}

// Start publishes discovery and initial state for every known device,
// subscribes to the command topics and hooks state fan-out.
func (e *EntityBridge) Start() error {
	for _, d := range e.devices.Devices() {
		if err := e.publishDiscovery(d); err != nil {
			return err
		}
		e.publishState(d)
	}

	if err := e.pub.Subscribe(e.baseTopic+"/+/door/set", e.handleCommand); err != nil {
		return errors.Wrap(err, "subscribing to door commands")
	}
	if err := e.pub.Subscribe(e.baseTopic+"/+/light/set", e.handleCommand); err != nil {
		return errors.Wrap(err, "subscribing to light commands")
	}

	e.devices.Observe(e.publishState)

	return e.PublishAvailability(true)
}

// PublishAvailability flips the shared availability topic; it tracks
// the cloud websocket, not the MQTT link (the LWT covers that).
func (e *EntityBridge) PublishAvailability(online bool) error {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	return e.pub.Publish(e.baseTopic+"/availability", true, []byte(payload))
}

func (e *EntityBridge) publishDiscovery(d bridge.Device) error {
	dev := discoveryDevice{
		Identifiers:  []string{d.ID},
		Name:         d.Name,
		Manufacturer: "Ryobi",
		Model:        "GDO",
		SwVersion:    d.Version,
	}

	cover := coverDiscovery{
		Name:                d.Name,
		UniqueID:            "ryobi_" + d.ID + "_door",
		DeviceClass:         "garage",
		StateTopic:          e.deviceTopic(d.ID, "door/state"),
		CommandTopic:        e.deviceTopic(d.ID, "door/set"),
		PositionTopic:       e.deviceTopic(d.ID, "door/position"),
		AvailabilityTopic:   e.baseTopic + "/availability",
		JSONAttributesTopic: e.deviceTopic(d.ID, "attributes"),
		PayloadOpen:         cmdOpen,
		PayloadClose:        cmdClose,
		PayloadStop:         nil,
		Device:              dev,
	}
	if err := e.publishJSON(e.discoveryTopic("cover", d.ID), &cover); err != nil {
		return err
	}

	light := lightDiscovery{
		Name:              d.Name + " Light",
		UniqueID:          "ryobi_" + d.ID + "_light",
		StateTopic:        e.deviceTopic(d.ID, "light/state"),
		CommandTopic:      e.deviceTopic(d.ID, "light/set"),
		AvailabilityTopic: e.baseTopic + "/availability",
		PayloadOn:         cmdOn,
		PayloadOff:        cmdOff,
		Device:            dev,
	}
	return e.publishJSON(e.discoveryTopic("light", d.ID), &light)
}

func (e *EntityBridge) publishState(d bridge.Device) {
	st := d.State

	if s, ok := haCoverState(st.Door); ok {
		e.mustPublish(e.deviceTopic(d.ID, "door/state"), s)
	} else {
		logging.Logger(nil).Errorf("device %s door is in a fault state", d.ID)
	}

	e.mustPublish(e.deviceTopic(d.ID, "door/position"),
		strconv.Itoa(coverPosition(st)))

	light := cmdOff
	if st.LightOn {
		light = cmdOn
	}
	e.mustPublish(e.deviceTopic(d.ID, "light/state"), light)

	attrs := map[string]interface{}{
		"door_state":      st.Door.String(),
		"door_last_set":   formatLastSet(st.DoorLastSet),
		"door_last_value": st.DoorLastValue.String(),
		"percent_open":    st.PercentOpen,
		"vacation_mode":   st.VacationMode,
		"sensor_flag":     st.SensorFlag,
		"light_timer":     st.LightTimer,
		"serial":          d.Serial,
		"mac":             d.MAC,
	}
	if err := e.publishJSON(e.deviceTopic(d.ID, "attributes"), attrs); err != nil {
		logging.Logger(nil).WithError(err).Error("publishing device attributes")
	}
}

func (e *EntityBridge) handleCommand(topic string, payload []byte) {
	rel := strings.TrimPrefix(topic, e.baseTopic+"/")
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || parts[2] != "set" {
		logging.Logger(nil).Errorf("command on unexpected topic %s", topic)
		return
	}

	deviceID, kind := parts[0], parts[1]
	cmd := strings.ToUpper(strings.TrimSpace(string(payload)))

	var err error
	switch {
	case kind == "door" && cmd == cmdOpen:
		err = e.devices.OpenDoor(deviceID)
	case kind == "door" && cmd == cmdClose:
		err = e.devices.CloseDoor(deviceID)
	case kind == "door" && cmd == cmdStop:
		logging.Logger(nil).Warnf("stop is not supported by the opener, ignoring for %s", deviceID)
		return
	case kind == "light" && cmd == cmdOn:
		err = e.devices.SetLight(deviceID, true)
	case kind == "light" && cmd == cmdOff:
		err = e.devices.SetLight(deviceID, false)
	default:
		logging.Logger(nil).Errorf("unsupported %s command %q for %s", kind, cmd, deviceID)
		return
	}

	if err != nil {
		logging.Logger(nil).WithError(err).Errorf("forwarding %s command for %s", kind, deviceID)
	}
}

func (e *EntityBridge) deviceTopic(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", e.baseTopic, deviceID, suffix)
}

func (e *EntityBridge) discoveryTopic(component, deviceID string) string {
	return fmt.Sprintf("%s/%s/ryobi_%s/config", e.discoveryPrefix, component, deviceID)
}

func (e *EntityBridge) publishJSON(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding payload for %s", topic)
	}
	return e.pub.Publish(topic, true, data)
}

func (e *EntityBridge) mustPublish(topic, payload string) {
	if err := e.pub.Publish(topic, true, []byte(payload)); err != nil {
		logging.Logger(nil).WithError(err).Errorf("publishing to %s", topic)
	}
}

// haCoverState maps the opener's door state onto Home Assistant's
// cover states.  Fault has no cover equivalent.
func haCoverState(s tiwiapi.DoorState) (string, bool) {
	switch s {
	case tiwiapi.DoorClosed:
		return "closed", true
	case tiwiapi.DoorOpen:
		return "open", true
	case tiwiapi.DoorClosing:
		return "closing", true
	case tiwiapi.DoorOpening:
		return "opening", true
	}
	return "", false
}

// coverPosition pins the endpoints and otherwise reports the door's
// percent-open figure.
func coverPosition(st tiwiapi.GarageState) int {
	switch st.Door {
	case tiwiapi.DoorClosed:
		return 0
	case tiwiapi.DoorOpen:
		return 100
	}

	p := int(st.PercentOpen)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

func formatLastSet(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
