package tiwiapi

import (
	"bytes"
	"encoding/json"
	"time"
)

/*
 * Wire schema for the TiWiConnect HTTP endpoints.  The schema is not
 * published by the vendor; field names were recovered from the mobile
 * app's traffic and may change underneath us, so everything here
 * decodes leniently.
 */

type loginResponse struct {
	Result loginResult `json:"result"`
}

type loginResult struct {
	ID   string    `json:"_id"`
	Auth loginAuth `json:"auth"`
}

type loginAuth struct {
	APIKey string `json:"apiKey"`
}

type devicesResponse struct {
	Result []wireDevice `json:"result"`
}

type wireDevice struct {
	VarName       string       `json:"varName"`
	DeviceTypeIDs []string     `json:"deviceTypeIds"`
	MetaData      wireMetaData `json:"metaData"`
}

type wireMetaData struct {
	Name        string     `json:"name"`
	Version     flexString `json:"version"`
	Description string     `json:"description"`
	Sys         wireSys    `json:"sys"`
}

type wireSys struct {
	LastSeen json.Number `json:"lastSeen"`
}

type deviceDetailResponse struct {
	Result []wireDeviceDetail `json:"result"`
}

type wireDeviceDetail struct {
	DeviceTypeMap map[string]wireModule `json:"deviceTypeMap"`
}

type wireModule struct {
	At map[string]wireAttribute `json:"at"`
}

type wireAttribute struct {
	Value     json.RawMessage `json:"value"`
	LastValue json.RawMessage `json:"lastValue"`
	LastSet   json.Number     `json:"lastSet"`
	Enum      []string        `json:"enum"`
}

func (a wireAttribute) attribute() Attribute {
	return Attribute{
		Value:     a.Value,
		LastValue: a.LastValue,
		LastSet:   timeFromMillis(a.LastSet),
		Enum:      a.Enum,
	}
}

func (a wireAttribute) intValue() (int, bool) {
	return decodeInt(a.Value)
}

func (a wireAttribute) stringValue() (string, bool) {
	return decodeString(a.Value)
}

func (a wireAttribute) stringSliceValue() ([]string, bool) {
	return decodeStringSlice(a.Value)
}

// flexString accepts a JSON string or bare number; firmware versions
// arrive as either depending on the device generation.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}

	*f = flexString(b)
	return nil
}

// timeFromMillis converts a millisecond epoch timestamp; the zero time
// is returned for missing or malformed values.
func timeFromMillis(n json.Number) time.Time {
	if n == "" {
		return time.Time{}
	}

	f, err := n.Float64()
	if err != nil || f <= 0 {
		return time.Time{}
	}

	ms := int64(f)
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond))
}
