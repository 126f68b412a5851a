// Package quic implements the peer-to-peer piece-transfer protocol over a
// multiplexed QUIC transport: a client that issues one request per
// bidirectional stream and a server that dispatches each stream to the
// content store.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"pieceflow/pkg/protocol"
)

// ErrUnexpectedResponse reports a response whose payload variant does not
// match the request kind.
var ErrUnexpectedResponse = errors.New("quic: unexpected response payload variant")

// ClientConfig configures one client bound to one remote endpoint.
type ClientConfig struct {
	// Addr is the remote server address.
	Addr string
	// Timeout bounds connection establishment (dial + handshake).
	Timeout time.Duration
	// KeepAliveInterval keeps the idle connection alive between requests.
	KeepAliveInterval time.Duration

	// InsecureSkipVerify disables certificate verification. Development
	// only.
	InsecureSkipVerify bool
	// CACert pins verification to a PEM CA bundle instead of system roots.
	CACert string
	// ServerName overrides the SNI/verification name.
	ServerName string
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 60 * time.Second
	}
	return c
}

// Client issues piece-transfer requests to a single remote peer. One
// connection is established lazily and reused; every request rides its own
// bidirectional stream, so concurrent calls are safe.
type Client struct {
	cfg      ClientConfig
	tlsConf  *tls.Config
	quicConf *quicgo.Config
	log      *zap.Logger

	// mu serializes connection establishment/replacement only; stream
	// creation on an established connection needs no exclusion.
	mu   sync.Mutex
	conn quicgo.Connection
}

// NewClient builds a client for the configured remote address. A nil logger
// disables logging.
func NewClient(cfg ClientConfig, log *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	tlsConf, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("quic: client tls config: %w", err)
	}
	return &Client{
		cfg:     cfg,
		tlsConf: tlsConf,
		quicConf: &quicgo.Config{
			KeepAlivePeriod: cfg.KeepAliveInterval,
		},
		log: log,
	}, nil
}

// connect returns the cached connection when it is still open, otherwise it
// establishes a new one. Liveness comes from the connection context, which
// closes when the connection is torn down.
func (c *Client) connect(ctx context.Context) (quicgo.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.Context().Err() == nil {
		return c.conn, nil
	}

	dialCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	conn, err := quicgo.DialAddr(dialCtx, c.cfg.Addr, c.tlsConf, c.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", c.cfg.Addr, err)
	}
	c.log.Info("connected", zap.String("addr", c.cfg.Addr))
	c.conn = conn
	return conn, nil
}

// roundTrip performs one request/response exchange on a fresh stream: write
// the request frame, half-close the write side, read until the peer closes
// its write side, decode.
func (c *Client) roundTrip(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic: open stream: %w", err)
	}
	frame, err := msg.Encode()
	if err != nil {
		stream.CancelWrite(codeProtocolError)
		stream.CancelRead(codeProtocolError)
		return nil, err
	}
	if _, err := stream.Write(frame); err != nil {
		stream.CancelRead(codeProtocolError)
		return nil, fmt.Errorf("quic: write request: %w", err)
	}
	// Half-close signals end of request to the peer.
	if err := stream.Close(); err != nil {
		stream.CancelRead(codeProtocolError)
		return nil, fmt.Errorf("quic: close send side: %w", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("quic: read response: %w", err)
	}
	resp, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	c.log.Debug("round trip complete",
		zap.Stringer("request", msg.Header.Type),
		zap.Stringer("response", resp.Header.Type),
		zap.Uint64("message_id", msg.Header.ID))
	return resp, nil
}

// DownloadPiece fetches one piece. A nil Piece in the response means the
// peer does not have it.
func (c *Client) DownloadPiece(ctx context.Context, req *protocol.DownloadPieceRequest) (*protocol.DownloadPieceResponse, error) {
	resp, err := c.roundTrip(ctx, protocol.NewMessage(req))
	if err != nil {
		return nil, err
	}
	out, ok := resp.Payload.(*protocol.DownloadPieceResponse)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnexpectedResponse, resp.Payload)
	}
	return out, nil
}

// DownloadTask fetches task metadata. A nil Task means the peer does not
// know the task.
func (c *Client) DownloadTask(ctx context.Context, req *protocol.DownloadTaskRequest) (*protocol.DownloadTaskResponse, error) {
	resp, err := c.roundTrip(ctx, protocol.NewMessage(req))
	if err != nil {
		return nil, err
	}
	out, ok := resp.Payload.(*protocol.DownloadTaskResponse)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnexpectedResponse, resp.Payload)
	}
	return out, nil
}

// SyncPieces lists every piece the peer holds for a task, ordered by piece
// number.
func (c *Client) SyncPieces(ctx context.Context, req *protocol.SyncPiecesRequest) (*protocol.SyncPiecesResponse, error) {
	resp, err := c.roundTrip(ctx, protocol.NewMessage(req))
	if err != nil {
		return nil, err
	}
	out, ok := resp.Payload.(*protocol.SyncPiecesResponse)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnexpectedResponse, resp.Payload)
	}
	return out, nil
}

// DownloadPersistentCachePiece fetches a piece from the persistent cache
// tier.
func (c *Client) DownloadPersistentCachePiece(ctx context.Context, req *protocol.DownloadPersistentCachePieceRequest) (*protocol.DownloadPersistentCachePieceResponse, error) {
	resp, err := c.roundTrip(ctx, protocol.NewMessage(req))
	if err != nil {
		return nil, err
	}
	out, ok := resp.Payload.(*protocol.DownloadPersistentCachePieceResponse)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnexpectedResponse, resp.Payload)
	}
	return out, nil
}

// HealthCheck probes the peer and returns its status string.
func (c *Client) HealthCheck(ctx context.Context) (string, error) {
	resp, err := c.roundTrip(ctx, protocol.NewMessage(&protocol.HealthCheck{}))
	if err != nil {
		return "", err
	}
	out, ok := resp.Payload.(*protocol.HealthCheckResponse)
	if !ok {
		return "", fmt.Errorf("%w: got %T", ErrUnexpectedResponse, resp.Payload)
	}
	return out.Status, nil
}

// Close tears down the cached connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.CloseWithError(0, "client closed")
	c.conn = nil
	return err
}
