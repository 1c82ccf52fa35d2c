package piece

import (
	"errors"
	"time"

	"github.com/go-swarm/swarm/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

// Tunables with documented defaults. The protocol fixes none of these; they
// are package vars so tests and swarm.Config can adjust them.
var (
	// Maximum simultaneous outstanding requests per peer.
	MAX_PIPELINED_REQUESTS = 10
	// Once this few blocks remain globally missing, the scheduler starts
	// duplicating requests across peers.
	ENDGAME_THRESHOLD = 16
	// An outstanding request older than this is released for re-scheduling.
	REQUEST_TIMEOUT = 30 * time.Second
	// Protocol-standard transfer chunk.
	BLOCK_SIZE = 16384 // 2^14
)

var (
	ErrUnknownPiece     = errors.New("unknown piece index")
	ErrOutOfRange       = errors.New("block out of range")
	ErrUnrequestedBlock = errors.New("block was never requested")
)

type VerifyResult int

const (
	VerifyNone VerifyResult = iota // piece not yet complete
	Verified
	Corrupt
)

// Store tracks per-piece and per-block completion, verifies completed
// pieces against their descriptor digests and writes verified pieces to
// storage exactly once.
type Store interface {
	GetBitField() (clientBitfield []byte)
	NumVerified() (piecesVerified int)
	BytesLeft() (left int)
	MissingBlocks() (blocks int)
	Outstanding(id string) (requests int)
	PieceHave(id string, pieceIndex int)
	PeerChoked(id string)
	PeerStopped(id string, peerBitfield *bitmap.Bitmap)
	MarkBlockReceived(id string, pieceIndex, blockByteOffset int, data []byte) (receipt *Receipt, err error)
	VerifyPiece(pieceIndex int) (result VerifyResult, err error)
	RaritySnapshot() (availability []int)
	Completions() <-chan int
}

// Receipt describes what a successfully stored block led to.
type Receipt struct {
	// Duplicate is set when the block had already been received from a
	// faster peer (endgame race); the store is unchanged.
	Duplicate bool
	// PieceVerified is set when this block completed its piece and the
	// digest matched; the piece has been written to storage.
	PieceVerified bool
	// Corrupt is set when this block completed its piece and the digest
	// did not match; every block of the piece is Missing again.
	Corrupt bool
	// Contributors holds the ids of peers that supplied blocks for the
	// completed piece. Meaningful with PieceVerified or Corrupt.
	Contributors mapset.Set
	// Cancels holds ids of peers with a now-redundant outstanding request
	// for this block; each should be sent a cancel message.
	Cancels mapset.Set
}

// Scheduler decides which blocks to request from which peer. wanted reports
// whether the peer still advertises anything we lack; the session owns the
// interest transition that follows from it.
type Scheduler interface {
	SendBlockRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (wanted bool, err error)
	ReleaseExpired(now time.Time) (freed int)
	InEndgame() bool
}
