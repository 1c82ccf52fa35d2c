package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-swarm/swarm/storage"
	"github.com/go-swarm/swarm/torrent"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
)

type blockState uint8

const (
	blockMissing blockState = iota
	blockRequested
	blockReceived
)

type pieceLifecycle uint8

const (
	pieceMissing pieceLifecycle = iota
	pieceInProgress
	pieceVerifying
	pieceVerified
)

type blockRef struct {
	piece, block int
}

type blockInfo struct {
	state      blockState
	data       []byte
	requesters mapset.Set // peer ids with an outstanding request for this block
}

type pieceInfo struct {
	state        pieceLifecycle
	blocks       []*blockInfo
	availability int
	contributors mapset.Set // peer ids that supplied received blocks
}

type store struct {
	sync.RWMutex
	tor                  *torrent.Torrent
	storage              storage.Storage
	clientBitField       bitmap.Bitmap
	pieces               []*pieceInfo
	outstanding          map[string]map[blockRef]time.Time
	completions          chan int
	verified             int
	left                 int
	missing              int
	numBlocks            int
	numBlocksInLastPiece int
	lengthOfLastBlock    int
}

func NewStore(
	tor *torrent.Torrent,
	stg storage.Storage,
	clientBitField bitmap.Bitmap,
	left int) Store {

	bytesInLastPiece := tor.Length - ((tor.NumPieces - 1) * tor.MetaInfo.Info.PieceLength)
	numBlocksInLastPiece := int(math.Ceil(float64(bytesInLastPiece) / float64(BLOCK_SIZE)))
	lengthOfLastBlock := bytesInLastPiece - (numBlocksInLastPiece-1)*BLOCK_SIZE
	st := &store{
		tor:                  tor,
		storage:              stg,
		clientBitField:       clientBitField,
		outstanding:          make(map[string]map[blockRef]time.Time),
		completions:          make(chan int, tor.NumPieces),
		left:                 left,
		numBlocks:            tor.MetaInfo.Info.PieceLength / BLOCK_SIZE,
		numBlocksInLastPiece: numBlocksInLastPiece,
		lengthOfLastBlock:    lengthOfLastBlock,
	}

	for i := 0; i < tor.NumPieces; i++ {
		pi := &pieceInfo{
			contributors: mapset.NewSet(),
		}
		for j := 0; j < st.blockCount(i); j++ {
			pi.blocks = append(pi.blocks, &blockInfo{
				requesters: mapset.NewSet(),
			})
		}
		if clientBitField.Get(i) {
			// Recovered from a previous run; block payloads live on disk.
			pi.state = pieceVerified
			for _, bl := range pi.blocks {
				bl.state = blockReceived
			}
			st.verified++
		} else {
			st.missing += st.blockCount(i)
		}
		st.pieces = append(st.pieces, pi)
	}
	return st
}

func (st *store) blockCount(pieceIndex int) int {
	if pieceIndex == st.tor.NumPieces-1 {
		return st.numBlocksInLastPiece
	}
	return st.numBlocks
}

func (st *store) blockLength(pieceIndex, blockIndex int) int {
	if pieceIndex == st.tor.NumPieces-1 && blockIndex == st.numBlocksInLastPiece-1 {
		return st.lengthOfLastBlock
	}
	return BLOCK_SIZE
}

func (st *store) GetBitField() []byte {
	st.RLock()
	defer st.RUnlock()

	return st.clientBitField.Data(true)
}

func (st *store) NumVerified() int {
	st.RLock()
	defer st.RUnlock()

	return st.verified
}

func (st *store) BytesLeft() int {
	st.RLock()
	defer st.RUnlock()

	return st.left
}

func (st *store) MissingBlocks() int {
	st.RLock()
	defer st.RUnlock()

	return st.missing
}

func (st *store) Outstanding(id string) int {
	st.RLock()
	defer st.RUnlock()

	return len(st.outstanding[id])
}

func (st *store) Completions() <-chan int {
	return st.completions
}

func (st *store) PieceHave(id string, pieceIndex int) {
	st.Lock()
	defer st.Unlock()

	if pieceIndex < 0 || pieceIndex >= st.tor.NumPieces {
		return
	}
	st.pieces[pieceIndex].availability++
}

func (st *store) PeerChoked(id string) {
	st.Lock()
	defer st.Unlock()

	st.releaseRequests(id)
}

func (st *store) PeerStopped(id string, peerBitfield *bitmap.Bitmap) {
	st.Lock()
	defer st.Unlock()

	// Revoke the peer's rarity contributions
	if peerBitfield != nil {
		for pieceIndex := 0; pieceIndex < st.tor.NumPieces && pieceIndex < peerBitfield.Len(); pieceIndex++ {
			if peerBitfield.Get(pieceIndex) {
				st.pieces[pieceIndex].availability--
			}
		}
	}
	st.releaseRequests(id)
}

// releaseRequests returns every slot the peer held to the schedulable pool.
// Caller holds the write lock.
func (st *store) releaseRequests(id string) {
	for ref := range st.outstanding[id] {
		bl := st.pieces[ref.piece].blocks[ref.block]
		bl.requesters.Remove(id)
		if bl.state == blockRequested && bl.requesters.Cardinality() == 0 {
			bl.state = blockMissing
		}
	}
	delete(st.outstanding, id)
}

func (st *store) RaritySnapshot() []int {
	st.RLock()
	defer st.RUnlock()

	availability := make([]int, st.tor.NumPieces)
	for i, pi := range st.pieces {
		availability[i] = pi.availability
	}
	return availability
}

func (st *store) MarkBlockReceived(id string, pieceIndex, blockByteOffset int, data []byte) (*Receipt, error) {
	st.Lock()
	defer st.Unlock()

	if pieceIndex < 0 || pieceIndex >= st.tor.NumPieces {
		return nil, fmt.Errorf("piece %d: %w", pieceIndex, ErrUnknownPiece)
	}
	if blockByteOffset < 0 || blockByteOffset%BLOCK_SIZE != 0 {
		return nil, fmt.Errorf("piece %d offset %d: %w", pieceIndex, blockByteOffset, ErrOutOfRange)
	}
	blockIndex := blockByteOffset / BLOCK_SIZE
	if blockIndex >= st.blockCount(pieceIndex) {
		return nil, fmt.Errorf("piece %d offset %d: %w", pieceIndex, blockByteOffset, ErrOutOfRange)
	}
	if len(data) != st.blockLength(pieceIndex, blockIndex) {
		return nil, fmt.Errorf("piece %d block %d length %d: %w", pieceIndex, blockIndex, len(data), ErrOutOfRange)
	}
	ref := blockRef{piece: pieceIndex, block: blockIndex}
	if _, ok := st.outstanding[id][ref]; !ok {
		// Unsolicited payload; refuse it before it can occupy memory.
		return nil, fmt.Errorf("piece %d block %d from %s: %w", pieceIndex, blockIndex, id, ErrUnrequestedBlock)
	}
	delete(st.outstanding[id], ref)

	pi := st.pieces[pieceIndex]
	bl := pi.blocks[blockIndex]
	bl.requesters.Remove(id)

	if bl.state == blockReceived || pi.state == pieceVerified {
		// A faster peer won the endgame race for this block.
		return &Receipt{Duplicate: true}, nil
	}

	receipt := &Receipt{}
	// Duplicate endgame requests become redundant the moment the first
	// payload lands; the losers get a cancel.
	if bl.requesters.Cardinality() > 0 {
		receipt.Cancels = bl.requesters.Clone()
		bl.requesters.Each(func(loser interface{}) bool {
			delete(st.outstanding[loser.(string)], ref)
			return false
		})
		bl.requesters.Clear()
	}

	bl.state = blockReceived
	bl.data = data
	pi.contributors.Add(id)
	st.missing--
	if pi.state == pieceMissing || pi.state == pieceInProgress {
		pi.state = pieceInProgress
	}

	for _, b := range pi.blocks {
		if b.state != blockReceived {
			return receipt, nil
		}
	}

	// Last missing block of the piece just landed; verify synchronously.
	pi.state = pieceVerifying
	if err := st.verifyAndCommit(pieceIndex, receipt); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// verifyAndCommit hashes the assembled piece, writes it to storage on a
// match and resets it on a mismatch. Caller holds the write lock and has
// already moved the piece to pieceVerifying.
func (st *store) verifyAndCommit(pieceIndex int, receipt *Receipt) error {
	pi := st.pieces[pieceIndex]

	payload := &bytes.Buffer{}
	for _, bl := range pi.blocks {
		payload.Write(bl.data)
	}
	pieceData := payload.Bytes()
	actualChecksum := sha1.Sum(pieceData)
	if !bytes.Equal(actualChecksum[:], st.tor.PieceHash(pieceIndex)) {
		receipt.Corrupt = true
		receipt.Contributors = pi.contributors
		st.resetPiece(pieceIndex)
		return nil
	}

	// The one and only write of this piece. Storage failure is terminal
	// for the engine, not for the piece.
	if err := st.storage.WritePiece(pieceIndex, pieceData); err != nil {
		st.resetPiece(pieceIndex)
		return fmt.Errorf("write piece %d: %w", pieceIndex, err)
	}

	for _, bl := range pi.blocks {
		bl.data = nil
	}
	pi.state = pieceVerified
	st.clientBitField.Set(pieceIndex, true)
	st.verified++
	st.left -= st.tor.PieceLength(pieceIndex)
	receipt.PieceVerified = true
	receipt.Contributors = pi.contributors

	select {
	case st.completions <- pieceIndex:
	default:
	}
	return nil
}

// resetPiece reverts every block to Missing. Caller holds the write lock.
func (st *store) resetPiece(pieceIndex int) {
	pi := st.pieces[pieceIndex]
	for _, bl := range pi.blocks {
		if bl.state == blockReceived {
			st.missing++
		}
		bl.state = blockMissing
		bl.data = nil
		bl.requesters.Clear()
	}
	for id, reqs := range st.outstanding {
		for ref := range reqs {
			if ref.piece == pieceIndex {
				delete(st.outstanding[id], ref)
			}
		}
	}
	pi.state = pieceMissing
	pi.contributors = mapset.NewSet()
}

func (st *store) VerifyPiece(pieceIndex int) (VerifyResult, error) {
	st.Lock()
	defer st.Unlock()

	if pieceIndex < 0 || pieceIndex >= st.tor.NumPieces {
		return VerifyNone, fmt.Errorf("piece %d: %w", pieceIndex, ErrUnknownPiece)
	}
	pi := st.pieces[pieceIndex]

	var pieceData []byte
	if pi.state == pieceVerified {
		// The payload was flushed after the first verification; read it
		// back so re-verification stays meaningful.
		data, err := st.storage.ReadBlock(pieceIndex, 0, st.tor.PieceLength(pieceIndex))
		if err != nil {
			return VerifyNone, err
		}
		pieceData = data
	} else {
		payload := &bytes.Buffer{}
		for _, bl := range pi.blocks {
			if bl.state != blockReceived {
				return VerifyNone, nil
			}
			payload.Write(bl.data)
		}
		pieceData = payload.Bytes()
	}

	actualChecksum := sha1.Sum(pieceData)
	if !bytes.Equal(actualChecksum[:], st.tor.PieceHash(pieceIndex)) {
		if pi.state == pieceVerified {
			st.clientBitField.Set(pieceIndex, false)
			st.verified--
			st.left += st.tor.PieceLength(pieceIndex)
			for _, bl := range pi.blocks {
				bl.state = blockMissing
			}
			st.missing += st.blockCount(pieceIndex)
			pi.state = pieceMissing
		} else {
			st.resetPiece(pieceIndex)
		}
		return Corrupt, nil
	}
	return Verified, nil
}

// markRequested records an assignment made by the scheduler. Caller holds
// the write lock.
func (st *store) markRequested(id string, ref blockRef, now time.Time) {
	bl := st.pieces[ref.piece].blocks[ref.block]
	if bl.state == blockMissing {
		bl.state = blockRequested
	}
	bl.requesters.Add(id)
	if st.outstanding[id] == nil {
		st.outstanding[id] = make(map[blockRef]time.Time)
	}
	st.outstanding[id][ref] = now
	if st.pieces[ref.piece].state == pieceMissing {
		st.pieces[ref.piece].state = pieceInProgress
	}
}
