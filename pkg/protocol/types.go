package protocol

// MessageType tags the envelope header. The tag is advisory: dispatchers
// switch on the payload variant, never on the header tag alone.
type MessageType uint8

const (
	TypeUnknown MessageType = iota
	TypeDownloadPiece
	TypeDownloadPieceResponse
	TypeDownloadTask
	TypeDownloadTaskResponse
	TypeSyncPieces
	TypeSyncPiecesResponse
	TypeDownloadPersistentCachePiece
	TypeDownloadPersistentCachePieceResponse
	TypeHealthCheck
	TypeHealthCheckResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeDownloadPiece:
		return "download-piece"
	case TypeDownloadPieceResponse:
		return "download-piece-response"
	case TypeDownloadTask:
		return "download-task"
	case TypeDownloadTaskResponse:
		return "download-task-response"
	case TypeSyncPieces:
		return "sync-pieces"
	case TypeSyncPiecesResponse:
		return "sync-pieces-response"
	case TypeDownloadPersistentCachePiece:
		return "download-persistent-cache-piece"
	case TypeDownloadPersistentCachePieceResponse:
		return "download-persistent-cache-piece-response"
	case TypeHealthCheck:
		return "health-check"
	case TypeHealthCheckResponse:
		return "health-check-response"
	default:
		return "unknown"
	}
}

// Payload is the tagged union carried by a Message. Exactly one variant is
// active; the variant structs below are the only implementations.
type Payload interface {
	messageType() MessageType
}

// Piece is the wire projection of a stored piece. The store owns the full
// record; responses copy only these fields.
type Piece struct {
	Number      uint32 `cbor:"1,keyasint"`
	ParentID    string `cbor:"2,keyasint,omitempty"`
	Offset      uint64 `cbor:"3,keyasint"`
	Length      uint64 `cbor:"4,keyasint"`
	Digest      string `cbor:"5,keyasint"`
	Content     []byte `cbor:"6,keyasint,omitempty"`
	TrafficType int32  `cbor:"7,keyasint"`
	Cost        int64  `cbor:"8,keyasint"`
	CreatedAt   int64  `cbor:"9,keyasint"`
	UpdatedAt   int64  `cbor:"10,keyasint"`
}

// ByteRange selects a sub-range of a task's content.
type ByteRange struct {
	Start  uint64 `cbor:"1,keyasint"`
	Length uint64 `cbor:"2,keyasint"`
}

// Task is the wire projection of a stored task.
type Task struct {
	ID            string            `cbor:"1,keyasint"`
	URL           string            `cbor:"2,keyasint"`
	Type          string            `cbor:"3,keyasint"`
	Filters       []string          `cbor:"4,keyasint,omitempty"`
	Header        map[string]string `cbor:"5,keyasint,omitempty"`
	PieceLength   uint64            `cbor:"6,keyasint"`
	ContentLength uint64            `cbor:"7,keyasint"`
	PieceCount    uint32            `cbor:"8,keyasint"`
	Range         *ByteRange        `cbor:"9,keyasint,omitempty"`
	Pieces        []Piece           `cbor:"10,keyasint,omitempty"`
	State         string            `cbor:"11,keyasint"`
	PeerCount     uint32            `cbor:"12,keyasint"`
	CreatedAt     int64             `cbor:"13,keyasint"`
	UpdatedAt     int64             `cbor:"14,keyasint"`
}

// DownloadPieceRequest asks the peer for one piece of a task.
type DownloadPieceRequest struct {
	PieceID string `cbor:"1,keyasint"`
	TaskID  string `cbor:"2,keyasint"`
}

// DownloadPieceResponse carries the piece, or nil when the peer does not
// have it. A miss is not an error.
type DownloadPieceResponse struct {
	Piece *Piece `cbor:"1,keyasint,omitempty"`
}

// DownloadTaskRequest asks the peer for task metadata.
type DownloadTaskRequest struct {
	TaskID string `cbor:"1,keyasint"`
}

// DownloadTaskResponse carries the task, or nil when unknown.
type DownloadTaskResponse struct {
	Task *Task `cbor:"1,keyasint,omitempty"`
}

// SyncPiecesRequest asks for every piece the peer holds for a task.
type SyncPiecesRequest struct {
	TaskID string `cbor:"1,keyasint"`
}

// SyncPiecesResponse lists pieces ordered by piece number. A task with no
// pieces yields an empty list.
type SyncPiecesResponse struct {
	Pieces []Piece `cbor:"1,keyasint,omitempty"`
}

// DownloadPersistentCachePieceRequest asks for a piece from the
// longer-lived cache tier.
type DownloadPersistentCachePieceRequest struct {
	PieceID string `cbor:"1,keyasint"`
	TaskID  string `cbor:"2,keyasint"`
}

// DownloadPersistentCachePieceResponse carries the cache piece, or nil.
type DownloadPersistentCachePieceResponse struct {
	Piece *Piece `cbor:"1,keyasint,omitempty"`
}

// HealthCheck probes peer liveness.
type HealthCheck struct{}

// HealthCheckResponse reports peer status ("OK" when healthy).
type HealthCheckResponse struct {
	Status string `cbor:"1,keyasint"`
}

func (*DownloadPieceRequest) messageType() MessageType  { return TypeDownloadPiece }
func (*DownloadPieceResponse) messageType() MessageType { return TypeDownloadPieceResponse }
func (*DownloadTaskRequest) messageType() MessageType   { return TypeDownloadTask }
func (*DownloadTaskResponse) messageType() MessageType  { return TypeDownloadTaskResponse }
func (*SyncPiecesRequest) messageType() MessageType     { return TypeSyncPieces }
func (*SyncPiecesResponse) messageType() MessageType    { return TypeSyncPiecesResponse }
func (*DownloadPersistentCachePieceRequest) messageType() MessageType {
	return TypeDownloadPersistentCachePiece
}
func (*DownloadPersistentCachePieceResponse) messageType() MessageType {
	return TypeDownloadPersistentCachePieceResponse
}
func (*HealthCheck) messageType() MessageType         { return TypeHealthCheck }
func (*HealthCheckResponse) messageType() MessageType { return TypeHealthCheckResponse }
