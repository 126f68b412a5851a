package quic

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"pieceflow/pkg/protocol"
	"pieceflow/pkg/store"
)

// Stream error codes surfaced to the peer instead of a response frame.
const (
	codeProtocolError quicgo.StreamErrorCode = 0x1
	codeInternalError quicgo.StreamErrorCode = 0x2
)

// codeShuttingDown closes connections still open when the drain window ends.
const codeShuttingDown quicgo.ApplicationErrorCode = 0x10

// ServerConfig configures the listening endpoint.
type ServerConfig struct {
	// ListenAddr is the UDP address to listen on.
	ListenAddr string
	// CertFile/KeyFile provision the server certificate. Empty means an
	// ephemeral self-signed certificate, development only.
	CertFile string
	KeyFile  string
	// MaxIncomingStreams caps concurrent request streams per connection.
	MaxIncomingStreams int64
	// MaxIdleTimeout tears down connections with no activity.
	MaxIdleTimeout time.Duration
	// DrainTimeout bounds how long Run waits for in-flight streams after
	// the stop signal before force-closing connections.
	DrainTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8080"
	}
	if c.MaxIncomingStreams <= 0 {
		c.MaxIncomingStreams = 100
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Server accepts connections, services every bidirectional stream opened by
// peers and answers each with exactly one response frame. Lookups go to the
// content store; a miss is an empty response, not an error.
type Server struct {
	cfg   ServerConfig
	store store.Store
	log   *zap.Logger

	wg sync.WaitGroup

	mu    sync.Mutex
	addr  net.Addr
	conns map[quicgo.Connection]struct{}
}

// NewServer builds a server around the content store. A nil logger disables
// logging.
func NewServer(cfg ServerConfig, st store.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:   cfg.withDefaults(),
		store: st,
		log:   log,
		conns: make(map[quicgo.Connection]struct{}),
	}
}

// Addr returns the bound listen address once Run is up, nil before that.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens and accepts connections until ctx is cancelled. On stop it
// closes the listener, waits up to DrainTimeout for in-flight streams, then
// force-closes whatever is left.
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := serverTLSConfig(s.cfg)
	if err != nil {
		return fmt.Errorf("quic: server tls config: %w", err)
	}
	quicConf := &quicgo.Config{
		MaxIncomingStreams: s.cfg.MaxIncomingStreams,
		MaxIdleTimeout:     s.cfg.MaxIdleTimeout,
	}
	ln, err := quicgo.ListenAddr(s.cfg.ListenAddr, tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("quic: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("quic: accept: %w", err)
		}
		s.log.Info("connection accepted", zap.Stringer("peer", conn.RemoteAddr()))
		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
	return s.drain()
}

func (s *Server) trackConn(conn quicgo.Connection, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// drain waits for in-flight handlers, then force-closes stragglers.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.DrainTimeout):
	}
	s.log.Warn("drain timeout, closing remaining connections")
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.CloseWithError(codeShuttingDown, "shutting down")
	}
	s.mu.Unlock()
	<-done
	return nil
}

// handleConn accepts streams until the connection dies. Each stream gets its
// own goroutine so slow requests never block the accept loop.
func (s *Server) handleConn(ctx context.Context, conn quicgo.Connection) {
	peer := conn.RemoteAddr()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.log.Debug("connection closed", zap.Stringer("peer", peer), zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(ctx, stream, peer)
		}()
	}
}

// handleStream services exactly one request: read until the peer half-closes,
// decode, dispatch on the payload variant, answer, half-close. Errors are
// confined to this stream.
func (s *Server) handleStream(ctx context.Context, stream quicgo.Stream, peer net.Addr) {
	data, err := io.ReadAll(stream)
	if err != nil {
		s.log.Warn("read request", zap.Stringer("peer", peer), zap.Error(err))
		stream.CancelWrite(codeProtocolError)
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("decode request", zap.Stringer("peer", peer), zap.Error(err))
		stream.CancelWrite(codeProtocolError)
		return
	}

	var resp protocol.Payload
	switch req := msg.Payload.(type) {
	case *protocol.DownloadPieceRequest:
		resp, err = s.handleDownloadPiece(ctx, req)
	case *protocol.DownloadTaskRequest:
		resp, err = s.handleDownloadTask(ctx, req)
	case *protocol.SyncPiecesRequest:
		resp, err = s.handleSyncPieces(ctx, req)
	case *protocol.DownloadPersistentCachePieceRequest:
		resp, err = s.handleDownloadPersistentCachePiece(ctx, req)
	case *protocol.HealthCheck:
		resp = &protocol.HealthCheckResponse{Status: "OK"}
	default:
		// Response-shaped or otherwise out-of-place payloads terminate the
		// stream without a response.
		s.log.Warn("unexpected request variant",
			zap.Stringer("peer", peer), zap.Stringer("type", msg.Header.Type))
		stream.CancelWrite(codeProtocolError)
		return
	}
	if err != nil {
		// Storage failure: log the cause, reply with nothing but a reset.
		s.log.Error("request failed",
			zap.Stringer("peer", peer),
			zap.Stringer("type", msg.Header.Type),
			zap.Uint64("message_id", msg.Header.ID),
			zap.Error(err))
		stream.CancelWrite(codeInternalError)
		return
	}

	frame, err := protocol.NewMessage(resp).Encode()
	if err != nil {
		s.log.Error("encode response", zap.Stringer("peer", peer), zap.Error(err))
		stream.CancelWrite(codeInternalError)
		return
	}
	if _, err := stream.Write(frame); err != nil {
		s.log.Warn("write response", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	if err := stream.Close(); err != nil {
		s.log.Warn("close stream", zap.Stringer("peer", peer), zap.Error(err))
	}
}

func (s *Server) handleDownloadPiece(ctx context.Context, req *protocol.DownloadPieceRequest) (protocol.Payload, error) {
	p, err := s.store.GetPiece(ctx, req.PieceID)
	if err != nil {
		return nil, fmt.Errorf("lookup piece %s: %w", req.PieceID, err)
	}
	if p == nil {
		return &protocol.DownloadPieceResponse{}, nil
	}
	return &protocol.DownloadPieceResponse{Piece: wirePiece(p)}, nil
}

func (s *Server) handleDownloadTask(ctx context.Context, req *protocol.DownloadTaskRequest) (protocol.Payload, error) {
	t, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("lookup task %s: %w", req.TaskID, err)
	}
	if t == nil {
		return &protocol.DownloadTaskResponse{}, nil
	}
	pieces, err := s.store.ListPieces(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list pieces for %s: %w", req.TaskID, err)
	}
	return &protocol.DownloadTaskResponse{Task: wireTask(t, pieces)}, nil
}

func (s *Server) handleSyncPieces(ctx context.Context, req *protocol.SyncPiecesRequest) (protocol.Payload, error) {
	pieces, err := s.store.ListPieces(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list pieces for %s: %w", req.TaskID, err)
	}
	out := make([]protocol.Piece, 0, len(pieces))
	for i := range pieces {
		out = append(out, *wirePiece(&pieces[i]))
	}
	return &protocol.SyncPiecesResponse{Pieces: out}, nil
}

func (s *Server) handleDownloadPersistentCachePiece(ctx context.Context, req *protocol.DownloadPersistentCachePieceRequest) (protocol.Payload, error) {
	p, err := s.store.GetPersistentCachePiece(ctx, req.PieceID)
	if err != nil {
		return nil, fmt.Errorf("lookup cache piece %s: %w", req.PieceID, err)
	}
	if p == nil {
		return &protocol.DownloadPersistentCachePieceResponse{}, nil
	}
	return &protocol.DownloadPersistentCachePieceResponse{Piece: wirePiece(p)}, nil
}

// wirePiece copies the wire-projection fields out of a store record. Store
// internals (piece id, task id) stay behind.
func wirePiece(p *store.PieceMetadata) *protocol.Piece {
	return &protocol.Piece{
		Number:      p.Number,
		ParentID:    p.ParentID,
		Offset:      p.Offset,
		Length:      p.Length,
		Digest:      p.Digest,
		Content:     p.Content,
		TrafficType: p.TrafficType,
		Cost:        p.Cost,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func wireTask(t *store.TaskMetadata, pieces []store.PieceMetadata) *protocol.Task {
	out := &protocol.Task{
		ID:            t.ID,
		URL:           t.URL,
		Type:          t.Type,
		Filters:       t.Filters,
		Header:        t.Header,
		PieceLength:   t.PieceLength,
		ContentLength: t.ContentLength,
		PieceCount:    t.PieceCount,
		State:         t.State,
		PeerCount:     t.PeerCount,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.HasRange {
		out.Range = &protocol.ByteRange{Start: t.RangeStart, Length: t.RangeLength}
	}
	for i := range pieces {
		out.Pieces = append(out.Pieces, *wirePiece(&pieces[i]))
	}
	return out
}
