package wirerpc

import (
	"context"
	"crypto/tls"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tempestkv/tempest-coordinator/common/wire"
)

type ClientOptions struct {
	// TlsConfig enables TLS on outgoing connections when set; otherwise
	// connections are made in the clear.
	TlsConfig *tls.Config
}

// Client issues wire-protocol calls to servers addressed by their service
// locator. Connections are dialed lazily and cached per locator; grpc
// handles reconnection underneath, so a cached connection stays usable
// across target restarts.
type Client struct {
	dialOpts []grpc.DialOption

	lock  sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewClient(opts ClientOptions) *Client {
	var creds credentials.TransportCredentials
	if opts.TlsConfig != nil {
		creds = credentials.NewTLS(opts.TlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	return &Client{
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(creds),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		},
		conns: make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) getConn(serviceLocator string) (*grpc.ClientConn, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if conn, ok := c.conns[serviceLocator]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(serviceLocator, c.dialOpts...)
	if err != nil {
		return nil, err
	}

	c.conns[serviceLocator] = conn
	return conn, nil
}

// UpdateServerList pushes a server list update to a membership-subscribing
// server.
func (c *Client) UpdateServerList(ctx context.Context, serviceLocator string, list *wire.ServerList) (*wire.UpdateAck, error) {
	conn, err := c.getConn(serviceLocator)
	if err != nil {
		return nil, err
	}

	ack := &wire.UpdateAck{}
	err = conn.Invoke(ctx, UpdateServerListMethod, list, ack)
	if err != nil {
		return nil, err
	}

	return ack, nil
}

// GetServerList fetches a membership snapshot from the coordinator.
func (c *Client) GetServerList(ctx context.Context, serviceLocator string, services uint32) (*wire.ServerList, error) {
	conn, err := c.getConn(serviceLocator)
	if err != nil {
		return nil, err
	}

	list := &wire.ServerList{}
	err = conn.Invoke(ctx, GetServerListMethod, &wire.GetServerListRequest{Services: services}, list)
	if err != nil {
		return nil, err
	}

	return list, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	var firstErr error
	for locator, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, locator)
	}

	return firstErr
}
