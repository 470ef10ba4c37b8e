package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ClientState tracks where a connection is in the handshake
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client is one WebSocket connection. Fields other than the state are set
// before the client is registered, or only touched under the registry lock.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Challenge    string
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	AuthAttempts int
	RateLimiter  *ClientRateLimiter

	state atomic.Int32
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
}

// IsAuthenticated reports whether the client passed the challenge and is
// still connected.
func (c *Client) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// SetAuthenticated moves the client in or out of the authenticated state
func (c *Client) SetAuthenticated(ok bool) {
	if ok {
		c.setState(StateAuthenticated)
		return
	}
	c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateAuthenticating))
}

// WriteJSON writes one frame, giving up after writeWait
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// ClientInfo is the gateway.clients view of a connection
type ClientInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}
