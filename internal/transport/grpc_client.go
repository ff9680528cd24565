package transport

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

var _ chord.RequestSender = (*GRPCClient)(nil)

// GRPCClient sends ring requests to remote nodes, keeping one connection per peer.
type GRPCClient struct {
	logger    *pkg.Logger
	keyspace  *big.Int
	authToken string

	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Used when the caller's context carries no deadline.
	timeout time.Duration
}

// NewGRPCClient creates a client decoding ids in keyspace.
func NewGRPCClient(keyspace *big.Int, authToken string, timeout time.Duration, logger *pkg.Logger) *GRPCClient {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		keyspace:    keyspace,
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", address, err)
	}

	c.connections[address] = conn
	c.logger.Debug().Str("address", address).Msg("Created new connection")
	return conn, nil
}

// SendRequest delivers req to receiver and waits for its answer.
func (c *GRPCClient) SendRequest(ctx context.Context, req *chord.Request, receiver *chord.Endpoint) (*chord.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", pkg.ErrProtocol)
	}
	if receiver == nil {
		return nil, fmt.Errorf("%w: nil receiver", pkg.ErrTransport)
	}

	address := receiver.Address()
	conn, err := c.getConnection(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrTransport, err)
	}

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx = outgoingContext(ctx, c.authToken)

	out := new(wireResponse)
	if err := conn.Invoke(ctx, dispatchMethod, requestToWire(req), out); err != nil {
		c.logger.WithContext(ctx).Debug().
			Err(err).
			Str("address", address).
			Str("type", req.Type.String()).
			Msg("request failed")
		return nil, fromStatus(err, address)
	}
	return responseFromWire(out, c.keyspace), nil
}

// Close closes every pooled connection.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	var firstErr error
	for addr, conn := range c.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection to %s: %w", addr, err)
		}
	}
	c.connections = make(map[string]*grpc.ClientConn)
	return firstErr
}
