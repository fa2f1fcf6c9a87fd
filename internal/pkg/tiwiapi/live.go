package tiwiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
)

const (
	// DefaultEndpoint is the vendor's production HTTP API base.
	DefaultEndpoint = "https://tti.tiwiconnect.com/api"

	defaultTimeout = 15 * time.Second
	httpRetries    = 5
)

// Live is the HTTP client for the TiWiConnect cloud.  It implements
// Authenticator and DeviceDirectory.
type Live struct {
	endpoint string
	username string
	password string
	timeout  time.Duration
	client   *http.Client
}

func NewLiveClient(username, password string) *Live {
	return &Live{
		endpoint: DefaultEndpoint,
		username: username,
		password: password,
		timeout:  defaultTimeout,
		client:   &http.Client{},
	}
}

func (c *Live) WithTimeout(d time.Duration) *Live {
	nc := *c
	nc.timeout = d
	return &nc
}

// WithEndpoint overrides the API base, mainly for tests.
func (c *Live) WithEndpoint(endpoint string) *Live {
	nc := *c
	nc.endpoint = endpoint
	return &nc
}

// Login obtains a user ID and API key for the account.  A 401 or a
// response without an API key yields ErrBadCredentials.
func (c *Live) Login() (*Session, error) {
	var resp loginResponse
	if err := c.send(http.MethodPost, "/login", &resp); err != nil {
		if errors.Is(err, ErrBadCredentials) {
			return nil, err
		}
		return nil, errors.Wrap(err, "logging in")
	}

	if resp.Result.ID == "" {
		logging.Logger(nil).Error("login response carried no user id")
		return nil, ErrBadCredentials
	}
	if resp.Result.Auth.APIKey == "" {
		logging.Logger(nil).Error("login response carried no api key")
		return nil, ErrBadCredentials
	}

	logging.Logger(nil).Debug("login OK, user id and api key retrieved")

	return &Session{
		UserID:   resp.Result.ID,
		APIKey:   resp.Result.Auth.APIKey,
		Username: c.username,
	}, nil
}

// Devices returns the account's device directory in the order the
// server reports it.
func (c *Live) Devices() ([]Device, error) {
	var resp devicesResponse
	if err := c.send(http.MethodGet, "/devices", &resp); err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}

	items := make([]Device, 0, len(resp.Result))
	for _, d := range resp.Result {
		items = append(items, Device{
			ID:          d.VarName,
			Name:        d.MetaData.Name,
			Description: d.MetaData.Description,
			Version:     string(d.MetaData.Version),
			TypeIDs:     d.DeviceTypeIDs,
			LastSeen:    timeFromMillis(d.MetaData.Sys.LastSeen),
		})
	}

	logging.Logger(nil).Debugf("device directory fetched, %d devices", len(items))
	return items, nil
}

// GetDevice fetches and parses the full attribute tree for one device.
func (c *Live) GetDevice(deviceID string) (*DeviceDetail, error) {
	var resp deviceDetailResponse
	if err := c.send(http.MethodGet, "/devices/"+url.PathEscape(deviceID), &resp); err != nil {
		return nil, errors.Wrapf(err, "fetching device %s", deviceID)
	}

	if len(resp.Result) == 0 {
		return nil, errors.Errorf("empty result fetching device %s", deviceID)
	}

	detail, err := parseDeviceDetail(resp.Result[0])
	if err != nil {
		return nil, errors.Wrapf(err, "parsing device %s", deviceID)
	}

	return detail, nil
}

// send issues one API call with bounded retries.  The credentials ride
// as query parameters on every request; that is the vendor's scheme,
// not ours.  A 401 short-circuits the retry loop.
func (c *Live) send(method, path string, dst interface{}) error {
	u, err := url.Parse(c.endpoint + path)
	if err != nil {
		return errors.Wrap(err, "building request URL")
	}
	q := u.Query()
	q.Set("username", c.username)
	q.Set("password", c.password)
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt < httpRetries; attempt++ {
		done, err := c.sendOnce(method, u.String(), dst)
		if done {
			return err
		}

		lastErr = err
		logging.Logger(nil).WithError(err).Debugf("%s %s failed, retrying (%d/%d)",
			method, path, attempt+1, httpRetries)
	}

	return errors.Wrapf(lastErr, "giving up after %d attempts", httpRetries)
}

// sendOnce returns done=true when the outcome is final (success or a
// non-retryable failure).
func (c *Live) sendOnce(method, url string, dst interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return true, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "executing request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return true, ErrBadCredentials
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("server status %d (%s)", resp.StatusCode, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return true, errors.Wrap(err, "decoding response")
	}

	return true, nil
}
