package tiwiapi

import "github.com/pkg/errors"

var (
	// ErrBadCredentials is returned when the cloud service rejects the
	// account username/password or withholds an API key.
	ErrBadCredentials = errors.New("login rejected by cloud service")

	// ErrSocketAuth is returned when the websocket refuses the API key.
	ErrSocketAuth = errors.New("websocket authorization refused")

	// ErrNotConnected is returned when a command is issued while the
	// websocket is down.  The supervisor will be re-dialling; callers
	// may retry.
	ErrNotConnected = errors.New("websocket not connected")

	// ErrNoGarageModule means the device's attribute tree contains no
	// module port with a garage door profile.
	ErrNoGarageModule = errors.New("device has no garage door module")
)
