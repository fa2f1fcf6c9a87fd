package tiwiapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
)

const (
	// DefaultSocketEndpoint is the vendor's production wsrpc endpoint.
	DefaultSocketEndpoint = "wss://tti.tiwiconnect.com/api/wsrpc"

	handshakeTimeout = 10 * time.Second
	authTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 25 * time.Second

	// The link is considered stale and cycled when this many frames
	// have been sent without hearing anything back.
	maxUnanswered = 5

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Realtime maintains the persistent wsrpc connection: it dials,
// authorizes with the session's API key, subscribes to per-device
// notification topics and delivers inbound state updates on a channel.
// Run supervises the connection, re-dialling with backoff and
// re-subscribing after a drop.
type Realtime struct {
	endpoint  string
	session   *Session
	updates   chan Update
	dialFn    func(ctx context.Context, endpoint string) (*websocket.Conn, error)
	stateHook func(connected bool)

	mu         sync.Mutex
	conn       *websocket.Conn
	subs       map[string]struct{}
	unanswered int
	nextID     int

	writeMu sync.Mutex
}

func NewRealtime(session *Session) *Realtime {
	return &Realtime{
		endpoint: DefaultSocketEndpoint,
		session:  session,
		updates:  make(chan Update, 16),
		subs:     make(map[string]struct{}),
		nextID:   3,
		dialFn:   dialSocket,
	}
}

// WithEndpoint overrides the socket endpoint, mainly for tests.
func (r *Realtime) WithEndpoint(endpoint string) *Realtime {
	r.endpoint = endpoint
	return r
}

// WithStateHook registers a callback invoked with true when the link
// comes up (authorized and subscribed) and false when it drops.  Must
// be set before Run.
func (r *Realtime) WithStateHook(hook func(connected bool)) *Realtime {
	r.stateHook = hook
	return r
}

// Updates is the stream of inbound state notifications.  It is closed
// when Run returns.
func (r *Realtime) Updates() <-chan Update {
	return r.updates
}

// Subscribe registers interest in a device's notifications.  The
// subscription is replayed on every (re)connect; if the link is up it
// is also sent immediately.  The server documents no acknowledgement.
func (r *Realtime) Subscribe(deviceID string) error {
	r.mu.Lock()
	r.subs[deviceID] = struct{}{}
	conn := r.conn
	id := r.requestID()
	r.mu.Unlock()

	if conn == nil {
		return nil
	}

	return r.publish(conn, rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  methodSubscribe,
		Params:  subscribeParams{Topic: deviceID + updateTopicSuffix},
	})
}

// SendCommand fires a gdoModuleCommand at a device.  Delivery is not
// confirmed beyond an eventual state-change notification.
func (r *Realtime) SendCommand(deviceID string, moduleType, portID int, cmd Command) error {
	if moduleType <= 0 {
		moduleType = defaultModuleType
	}

	r.mu.Lock()
	conn := r.conn
	id := r.requestID()
	r.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	logging.Logger(nil).Debugf("sending %s to %s (module %d port %d)",
		cmd.Name(), deviceID, moduleType, portID)

	return r.publish(conn, rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  methodModuleCmd,
		Params: moduleCommandParams{
			MsgType:    moduleCmdMsgType,
			ModuleType: moduleType,
			PortID:     portID,
			ModuleMsg:  cmd.moduleMsg,
			Topic:      deviceID,
		},
	})
}

// Run drives the connection until ctx is cancelled.  Dial or read
// failures are retried with exponential backoff.
func (r *Realtime) Run(ctx context.Context) {
	defer close(r.updates)

	backoff := reconnectMin
	for {
		err := r.connectOnce(ctx)
		if ctx.Err() != nil {
			logging.Logger(nil).Info("websocket supervisor shutting down")
			return
		}

		logging.Logger(nil).WithError(err).Warnf("websocket connection lost, retrying in %s", backoff)

		select {
		case <-ctx.Done():
			logging.Logger(nil).Info("websocket supervisor shutting down")
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectOnce runs one connection lifetime: dial, authorize, replay
// subscriptions, then pump frames until the link fails.
func (r *Realtime) connectOnce(ctx context.Context) error {
	conn, err := r.dialFn(ctx, r.endpoint)
	if err != nil {
		return errors.Wrap(err, "dialing websocket")
	}

	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	// fresh link, fresh stale budget
	r.mu.Lock()
	r.unanswered = 0
	r.mu.Unlock()

	if err := r.authorize(conn); err != nil {
		return err
	}

	r.mu.Lock()
	r.conn = conn
	topics := make([]string, 0, len(r.subs))
	for id := range r.subs {
		topics = append(topics, id)
	}
	r.mu.Unlock()

	for _, id := range topics {
		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      r.takeRequestID(),
			Method:  methodSubscribe,
			Params:  subscribeParams{Topic: id + updateTopicSuffix},
		}
		if err := r.write(conn, req); err != nil {
			return errors.Wrapf(err, "subscribing to %s", id)
		}
	}

	logging.Logger(nil).Infof("websocket up, %d subscriptions active", len(topics))

	if r.stateHook != nil {
		r.stateHook(true)
		defer r.stateHook(false)
	}

	// keepalive and shutdown plumbing; closing the socket unblocks the
	// read loop below
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
		return errors.Wrap(err, "setting read deadline")
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "reading frame")
		}

		if err := conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
			return errors.Wrap(err, "setting read deadline")
		}

		r.mu.Lock()
		r.unanswered = 0
		r.mu.Unlock()

		r.handleFrame(ctx, data)
	}
}

// authorize performs the srvWebSocketAuth handshake and waits for the
// server to acknowledge the API key.
func (r *Realtime) authorize(conn *websocket.Conn) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      r.takeRequestID(),
		Method:  methodSocketAuth,
		Params: socketAuthParams{
			VarName: r.session.Username,
			APIKey:  r.session.APIKey,
		},
	}
	if err := r.write(conn, req); err != nil {
		return errors.Wrap(err, "sending auth request")
	}

	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return errors.Wrap(err, "setting auth deadline")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "waiting for websocket authorization")
		}

		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Logger(nil).WithError(err).Debug("skipping undecodable frame during auth")
			continue
		}

		switch {
		case frame.Method == methodAuthorized:
			var res authorizedResult
			_ = json.Unmarshal(frame.Params, &res)
			if !res.Authorized {
				return ErrSocketAuth
			}
			logging.Logger(nil).Debug("websocket authorization OK")
			return nil

		case len(frame.Result) > 0:
			var res authorizedResult
			_ = json.Unmarshal(frame.Result, &res)
			if res.Authorized {
				logging.Logger(nil).Debug("websocket authorization OK")
				return nil
			}
		}
	}
}

func (r *Realtime) handleFrame(ctx context.Context, data []byte) {
	var frame rpcFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Logger(nil).WithError(err).Error("undecodable frame from server")
		return
	}

	switch {
	case frame.Method == methodUpdateNtfy:
		u, err := parseUpdate(frame.Params)
		if err != nil {
			logging.Logger(nil).WithError(err).Error("bad attribute update notification")
			return
		}

		select {
		case r.updates <- *u:
		case <-ctx.Done():
		}

	case frame.Method == methodAuthorized:
		// Repeat authorization notice, nothing to do
		logging.Logger(nil).Debug("authorization notice")

	case len(frame.Result) > 0:
		// Command/subscribe acks; there is no delivery contract so we
		// only log them
		var res authorizedResult
		_ = json.Unmarshal(frame.Result, &res)
		logging.Logger(nil).Debugf("server result frame: %q", res.Result)

	default:
		logging.Logger(nil).Errorf("unrecognised frame from server: %s", data)
	}
}

// publish writes one frame and counts it against the stale budget.  If
// too many frames have gone unanswered the link is assumed dead and
// cycled (counter cleared) so the supervisor re-dials.
func (r *Realtime) publish(conn *websocket.Conn, v interface{}) error {
	r.mu.Lock()
	r.unanswered++
	stale := r.unanswered > maxUnanswered
	if stale {
		r.unanswered = 0
	}
	r.mu.Unlock()

	if stale {
		logging.Logger(nil).Warn("server has stopped answering, cycling the websocket")
		conn.Close()
		return ErrNotConnected
	}

	return r.write(conn, v)
}

// write sends one frame without touching the stale accounting.  The
// auth handshake and the subscription replay use it directly so a
// fresh link cannot trip the budget before it is up.
func (r *Realtime) write(conn *websocket.Conn, v interface{}) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "setting write deadline")
	}
	return errors.Wrap(conn.WriteJSON(v), "writing frame")
}

// requestID must be called with r.mu held.
func (r *Realtime) requestID() int {
	id := r.nextID
	r.nextID++
	return id
}

func (r *Realtime) takeRequestID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requestID()
}

func dialSocket(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}
