package tiwiapi

import "time"

// Session is the result of a successful login against the TiWiConnect
// cloud. The service does not document an expiry for the API key, so a
// session is treated as valid for the life of the process.
type Session struct {
	UserID   string
	APIKey   string
	Username string
}

// Device is one entry from the account's device directory.
type Device struct {
	ID          string
	Name        string
	Description string
	Version     string
	TypeIDs     []string
	LastSeen    time.Time
}

// DeviceDetail is the expanded attribute tree for a single device,
// including the module/port addressing needed to command it.
type DeviceDetail struct {
	Serial   string
	MAC      string
	ModuleID int
	PortID   int
	State    GarageState
}

// Authenticator logs in with the account credentials and obtains an
// API key for the websocket and directory endpoints.
type Authenticator interface {
	Login() (*Session, error)
}

// DeviceDirectory lists the devices linked to the authenticated
// account, preserving the account's own ordering.
type DeviceDirectory interface {
	Devices() ([]Device, error)
	GetDevice(deviceID string) (*DeviceDetail, error)
}
