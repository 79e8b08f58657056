package uds

import (
	"context"
	"net"

	"automation/pkg/exception"
)

// Client dials a Unix domain socket.
type Client struct {
	path   string
	dialer net.Dialer
}

func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{path: path}, nil
}

func (c *Client) Path() string {
	return c.path
}

// Dial opens a connection, giving up when ctx ends.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	return c.dialer.DialContext(ctx, unixNetwork, c.path)
}
