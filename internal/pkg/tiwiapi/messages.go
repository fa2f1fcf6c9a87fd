package tiwiapi

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// JSON-RPC 2.0 methods spoken on the wsrpc endpoint.
const (
	methodSocketAuth = "srvWebSocketAuth"
	methodSubscribe  = "wskSubscribe"
	methodModuleCmd  = "gdoModuleCommand"
	methodAuthorized = "authorizedWebSocket"
	methodUpdateNtfy = "wskAttributeUpdateNtfy"

	updateTopicSuffix = "." + methodUpdateNtfy

	// msgType/moduleType constants for gdoModuleCommand, as sent by
	// the vendor's own app.
	moduleCmdMsgType  = 16
	defaultModuleType = 5
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcFrame is an inbound frame: either a notification (method+params)
// or a call result.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
}

type socketAuthParams struct {
	VarName string `json:"varName"`
	APIKey  string `json:"apiKey"`
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

type moduleCommandParams struct {
	MsgType    int         `json:"msgType"`
	ModuleType int         `json:"moduleType"`
	PortID     int         `json:"portId"`
	ModuleMsg  interface{} `json:"moduleMsg"`
	Topic      string      `json:"topic"`
}

// authorizedResult covers both shapes the server uses to report
// websocket authorization.
type authorizedResult struct {
	Authorized bool   `json:"authorized"`
	Result     string `json:"result"`
}

// Command is an outbound intent for the opener module.  Only the
// commands the vendor app is known to send are constructable; there is
// deliberately no position-set or stop command.
type Command struct {
	name      string
	moduleMsg map[string]interface{}
}

func (c Command) Name() string { return c.name }

func OpenDoorCommand() Command {
	return Command{name: "door-open", moduleMsg: map[string]interface{}{"doorCommand": 1}}
}

func CloseDoorCommand() Command {
	return Command{name: "door-close", moduleMsg: map[string]interface{}{"doorCommand": 0}}
}

func LightOnCommand() Command {
	return Command{name: "light-on", moduleMsg: map[string]interface{}{"lightState": true}}
}

func LightOffCommand() Command {
	return Command{name: "light-off", moduleMsg: map[string]interface{}{"lightState": false}}
}

// parseUpdate decodes a wskAttributeUpdateNtfy params object.  Keys
// other than the envelope fields are "<module>.<attribute>" pairs; the
// module qualifier is dropped (see Update).
func parseUpdate(params json.RawMessage) (*Update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, errors.Wrap(err, "decoding update params")
	}

	u := &Update{Attributes: make(map[string]Attribute)}

	for key, raw := range fields {
		switch key {
		case "varName":
			if err := json.Unmarshal(raw, &u.DeviceID); err != nil {
				return nil, errors.Wrap(err, "decoding varName")
			}
		case "topic":
			_ = json.Unmarshal(raw, &u.Topic)
		case "id":
			// envelope noise
		default:
			dot := strings.IndexByte(key, '.')
			if dot < 0 || dot == len(key)-1 {
				continue
			}

			var attr wireAttribute
			if err := json.Unmarshal(raw, &attr); err != nil {
				continue
			}
			u.Attributes[key[dot+1:]] = attr.attribute()
		}
	}

	if u.DeviceID == "" {
		return nil, errors.New("update without a device id")
	}

	return u, nil
}
