package quic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pieceflow/pkg/protocol"
	"pieceflow/pkg/store"
)

func seedStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory(store.MemoryOptions{})
	require.NoError(t, m.PutTask(&store.TaskMetadata{
		ID:            "task-1",
		URL:           "http://origin/blob",
		Type:          "standard",
		PieceLength:   1024,
		ContentLength: 3072,
		PieceCount:    3,
		State:         "succeeded",
		CreatedAt:     1700000000,
		UpdatedAt:     1700000000,
	}))
	for n := uint32(0); n < 3; n++ {
		require.NoError(t, m.PutPiece(&store.PieceMetadata{
			ID:      fmt.Sprintf("task-1-%d", n),
			TaskID:  "task-1",
			Number:  n,
			Offset:  uint64(n) * 1024,
			Length:  1024,
			Digest:  fmt.Sprintf("sha256:%d", n),
			Content: []byte(fmt.Sprintf("piece-%d", n)),
		}))
	}
	require.NoError(t, m.PutPersistentCachePiece(&store.PieceMetadata{
		ID:      "cache-1-0",
		TaskID:  "cache-1",
		Number:  0,
		Length:  512,
		Digest:  "sha256:cache",
		Content: []byte("cached"),
	}))
	return m
}

func startServer(t *testing.T, st store.Store) string {
	t.Helper()
	s := NewServer(ServerConfig{
		ListenAddr:   "127.0.0.1:0",
		DrainTimeout: time.Second,
	}, st, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return s.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Addr:               addr,
		Timeout:            5 * time.Second,
		InsecureSkipVerify: true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDownloadPiece(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	resp, err := c.DownloadPiece(context.Background(), &protocol.DownloadPieceRequest{
		PieceID: "task-1-1", TaskID: "task-1",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Piece)
	require.Equal(t, uint32(1), resp.Piece.Number)
	require.Equal(t, []byte("piece-1"), resp.Piece.Content)
	require.Equal(t, "sha256:1", resp.Piece.Digest)
}

func TestDownloadPieceNotFound(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	resp, err := c.DownloadPiece(context.Background(), &protocol.DownloadPieceRequest{
		PieceID: "task-1-99", TaskID: "task-1",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Piece)
}

func TestDownloadTask(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	resp, err := c.DownloadTask(context.Background(), &protocol.DownloadTaskRequest{TaskID: "task-1"})
	require.NoError(t, err)
	require.NotNil(t, resp.Task)
	require.Equal(t, "task-1", resp.Task.ID)
	require.Equal(t, uint32(3), resp.Task.PieceCount)
	require.Len(t, resp.Task.Pieces, 3)

	missing, err := c.DownloadTask(context.Background(), &protocol.DownloadTaskRequest{TaskID: "nope"})
	require.NoError(t, err)
	require.Nil(t, missing.Task)
}

func TestSyncPieces(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	resp, err := c.SyncPieces(context.Background(), &protocol.SyncPiecesRequest{TaskID: "task-1"})
	require.NoError(t, err)
	require.Len(t, resp.Pieces, 3)
	for i, p := range resp.Pieces {
		require.Equal(t, uint32(i), p.Number)
	}

	// A task with zero pieces is an empty list, not an error.
	empty, err := c.SyncPieces(context.Background(), &protocol.SyncPiecesRequest{TaskID: "nope"})
	require.NoError(t, err)
	require.Empty(t, empty.Pieces)
}

func TestDownloadPersistentCachePiece(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	resp, err := c.DownloadPersistentCachePiece(context.Background(), &protocol.DownloadPersistentCachePieceRequest{
		PieceID: "cache-1-0", TaskID: "cache-1",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Piece)
	require.Equal(t, []byte("cached"), resp.Piece.Content)

	// Regular pieces are not visible through the cache tier.
	miss, err := c.DownloadPersistentCachePiece(context.Background(), &protocol.DownloadPersistentCachePieceRequest{
		PieceID: "task-1-0", TaskID: "task-1",
	})
	require.NoError(t, err)
	require.Nil(t, miss.Piece)
}

func TestHealthCheck(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	status, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "OK", status)
}

func TestConcurrentStreams(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pieceID := fmt.Sprintf("task-1-%d", i%3)
			resp, err := c.DownloadPiece(context.Background(), &protocol.DownloadPieceRequest{
				PieceID: pieceID, TaskID: "task-1",
			})
			if err != nil {
				errs <- err
				return
			}
			if resp.Piece == nil || resp.Piece.Number != uint32(i%3) {
				errs <- fmt.Errorf("request %d got wrong piece: %+v", i, resp.Piece)
				return
			}
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// errStore fails every lookup with a storage error.
type errStore struct{}

func (errStore) GetPiece(context.Context, string) (*store.PieceMetadata, error) {
	return nil, errors.New("disk on fire")
}
func (errStore) GetTask(context.Context, string) (*store.TaskMetadata, error) {
	return nil, errors.New("disk on fire")
}
func (errStore) ListPieces(context.Context, string) ([]store.PieceMetadata, error) {
	return nil, errors.New("disk on fire")
}
func (errStore) GetPersistentCachePiece(context.Context, string) (*store.PieceMetadata, error) {
	return nil, errors.New("disk on fire")
}

func TestStorageErrorResetsStream(t *testing.T) {
	addr := startServer(t, errStore{})
	c := newTestClient(t, addr)

	_, err := c.DownloadPiece(context.Background(), &protocol.DownloadPieceRequest{
		PieceID: "p", TaskID: "t",
	})
	require.Error(t, err)
	// The storage cause must not leak to the peer.
	require.NotContains(t, err.Error(), "disk on fire")

	// The failure is confined to that stream; the connection still works.
	status, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "OK", status)
}

func TestServerRejectsResponseShapedRequest(t *testing.T) {
	addr := startServer(t, seedStore(t))
	c := newTestClient(t, addr)

	_, err := c.roundTrip(context.Background(), protocol.NewMessage(&protocol.DownloadPieceResponse{}))
	require.Error(t, err)

	// Sibling streams keep working.
	status, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	require.Equal(t, "OK", status)
}
