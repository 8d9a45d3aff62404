package uds

import (
	"context"
	"net"
	"time"

	"venuelink/pkg/exception"
)

const unixNetwork = "unix"

func unixAddr(path string) net.UnixAddr {
	return net.UnixAddr{Name: path, Net: unixNetwork}
}

// Client dials a unix domain socket.
type Client struct {
	addr net.UnixAddr
}

// NewClient creates a client for the given socket path.
func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{addr: unixAddr(path)}, nil
}

// Path returns the configured socket path.
func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.addr.Name
}

// Dial opens a connection to the socket.
func (c *Client) Dial() (*net.UnixConn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	if c.addr.Name == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return net.DialUnix(unixNetwork, nil, &c.addr)
}

// DialWait dials the socket, retrying until it accepts or ctx ends.
// Control clients start before the serving process has bound its
// socket, so the first attempts are expected to fail.
func (c *Client) DialWait(ctx context.Context) (*net.UnixConn, error) {
	const pollEvery = 5 * time.Millisecond
	for {
		conn, err := c.Dial()
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(pollEvery):
		}
	}
}
