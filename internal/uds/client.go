package uds

import (
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds one dial plus one request/response exchange.
const DefaultTimeout = 30 * time.Second

// Client is the caller side of the daemon socket. Exchanges are
// single-shot: every Send dials a fresh connection and the server
// closes it after replying, so a Client is safe to share.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultTimeout}
}

// SetTimeout overrides the exchange deadline. Callers issuing blocking
// commands such as task.await should set it above their wait budget.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send performs one request/response exchange over the socket.
func (c *Client) Send(req *Request) (*Response, error) {
	deadline := time.Now().Add(c.timeout)

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"no daemon listening at %s: %w\n"+
				"Start one with: lanyard daemon",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	resp := &Response{}
	if err := ReadFrame(conn, resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return resp, nil
}

// SendCommand wraps command and params in a request and sends it.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}
