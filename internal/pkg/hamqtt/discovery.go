package hamqtt

// Home Assistant MQTT discovery payloads.  Field names follow the
// documented discovery schema so entities appear without any YAML on
// the Home Assistant side.

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

type coverDiscovery struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	DeviceClass         string          `json:"device_class"`
	StateTopic          string          `json:"state_topic"`
	CommandTopic        string          `json:"command_topic"`
	PositionTopic       string          `json:"position_topic"`
	AvailabilityTopic   string          `json:"availability_topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic"`
	PayloadOpen         string          `json:"payload_open"`
	PayloadClose        string          `json:"payload_close"`
	PayloadStop         *string         `json:"payload_stop"` // null: stop is unsupported
	Device              discoveryDevice `json:"device"`
}

type lightDiscovery struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	CommandTopic      string          `json:"command_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	PayloadOn         string          `json:"payload_on"`
	PayloadOff        string          `json:"payload_off"`
	Device            discoveryDevice `json:"device"`
}
