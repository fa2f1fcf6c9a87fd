package tiwiapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// DoorState is the opener's reported door position, index-mapped from
// the cloud service's doorState enum.
type DoorState int

const (
	DoorClosed DoorState = iota
	DoorOpen
	DoorClosing
	DoorOpening
	DoorFault
)

var doorStateNames = [...]string{"Closed", "Open", "Closing", "Opening", "Fault"}

func (s DoorState) String() string {
	if s < 0 || int(s) >= len(doorStateNames) {
		return "Unknown"
	}
	return doorStateNames[s]
}

// Moving reports whether the door is in a transitional state.
func (s DoorState) Moving() bool {
	return s == DoorClosing || s == DoorOpening
}

// Attribute is one reported device attribute.  The wire schema was
// reverse engineered from a vendor app and is treated as unstable:
// values are kept raw and decoded tolerantly on access.
type Attribute struct {
	Value     json.RawMessage
	LastValue json.RawMessage
	LastSet   time.Time
	Enum      []string
}

func (a Attribute) Int() (int, bool)           { return decodeInt(a.Value) }
func (a Attribute) Float() (float64, bool)     { return decodeFloat(a.Value) }
func (a Attribute) Bool() (bool, bool)         { return decodeBool(a.Value) }
func (a Attribute) Text() (string, bool)       { return decodeString(a.Value) }
func (a Attribute) LastInt() (int, bool)       { return decodeInt(a.LastValue) }
func (a Attribute) LastBool() (bool, bool)     { return decodeBool(a.LastValue) }
func (a Attribute) LastFloat() (float64, bool) { return decodeFloat(a.LastValue) }

// isNull reports a literal JSON null; encoding/json unmarshals null
// into scalar targets as a no-op with no error, which would read as a
// valid zero here.
func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// Update is a normalized state notification for one device.
// Attributes are keyed by the bare attribute name (doorState,
// doorPosition, lightState, ...); the module qualifier carried on the
// wire is stripped since attribute names do not collide across the
// garage door and garage light modules.
type Update struct {
	DeviceID   string
	Topic      string
	Attributes map[string]Attribute
}

// GarageState is the snapshot of a garage door opener.  It reflects
// the most recent notification received; the cloud service documents
// no ordering or staleness guarantee.
type GarageState struct {
	Door          DoorState
	DoorLastValue DoorState
	DoorLastSet   time.Time
	PercentOpen   float64
	Position      float64
	VacationMode  bool
	SensorFlag    bool
	LightOn       bool
	LightTimer    float64
	UpdatedAt     time.Time
}

// Apply folds the update's attributes into the snapshot,
// latest-notification-wins.  Unknown attributes are ignored.
func (g *GarageState) Apply(u Update) {
	for name, attr := range u.Attributes {
		g.applyAttribute(name, attr)
	}
	g.UpdatedAt = time.Now()
}

func (g *GarageState) applyAttribute(name string, attr Attribute) {
	switch name {
	case "doorState":
		if v, ok := attr.Int(); ok {
			g.Door = DoorState(v)
		}
		if v, ok := attr.LastInt(); ok {
			g.DoorLastValue = DoorState(v)
		}
		if !attr.LastSet.IsZero() {
			g.DoorLastSet = attr.LastSet
		}
	case "doorPercentOpen":
		if v, ok := attr.Float(); ok {
			g.PercentOpen = v
		}
	case "doorPosition":
		if v, ok := attr.Float(); ok {
			g.Position = v
		}
	case "vacationMode":
		if v, ok := attr.Bool(); ok {
			g.VacationMode = v
		}
	case "sensorFlag":
		if v, ok := attr.Bool(); ok {
			g.SensorFlag = v
		}
	case "lightState":
		if v, ok := attr.Bool(); ok {
			g.LightOn = v
		}
	case "lightTimer":
		if v, ok := attr.Float(); ok {
			g.LightTimer = v
		}
	case "opMode", "motionSensor", "alarmState":
		// reported by some firmware revisions, not surfaced
	}
}

/*
 * Tolerant decoders for raw attribute values.  The service mixes
 * numbers, booleans, enum indexes and numeric strings across firmware
 * versions.
 */

func decodeInt(raw json.RawMessage) (int, bool) {
	f, ok := decodeFloat(raw)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func decodeFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || isNull(raw) {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return 1, true
		}
		return 0, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}

	return 0, false
}

func decodeBool(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 || isNull(raw) {
		return false, false
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}

	if f, ok := decodeFloat(raw); ok {
		return f != 0, true
	}

	return false, false
}

func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || isNull(raw) {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}

	return "", false
}

func decodeStringSlice(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 || isNull(raw) {
		return nil, false
	}

	var ss []string
	if err := json.Unmarshal(raw, &ss); err == nil {
		return ss, true
	}

	return nil, false
}
