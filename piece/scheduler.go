package piece

import (
	"sort"
	"time"

	"github.com/go-swarm/swarm/wire"
	bitmap "github.com/boljen/go-bitmap"
)

// rarestFirst assigns blocks to peers by ascending piece availability, ties
// broken by ascending piece index. Within a piece it hands out the
// lowest-indexed block the peer may still request. Once few enough blocks
// remain globally it duplicates the stragglers across peers.
type rarestFirst struct {
	st *store
}

func NewRarestFirstScheduler(st Store) Scheduler {
	return &rarestFirst{st: st.(*store)}
}

type assignment struct {
	pieceIndex int
	begin      int
	length     int
}

func (sc *rarestFirst) InEndgame() bool {
	return sc.st.MissingBlocks() <= ENDGAME_THRESHOLD
}

// requestable reports whether the peer may be assigned this block. Outside
// endgame only untouched blocks qualify; in endgame anything not yet
// received qualifies, as long as this peer isn't already on it.
func requestable(bl *blockInfo, id string, endgame bool) bool {
	if endgame {
		return bl.state != blockReceived && !bl.requesters.Contains(id)
	}
	return bl.state == blockMissing
}

func (sc *rarestFirst) SendBlockRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (bool, error) {
	if peerBitfield == nil {
		return false, nil
	}
	picks, wanted := sc.pick(id, peerBitfield)

	// The slots were claimed under the lock; the sends happen outside it.
	// A failed send kills the session, and PeerStopped reclaims the slots.
	for _, a := range picks {
		if err := w.SendRequest(a.pieceIndex, a.begin, a.length); err != nil {
			return wanted, err
		}
	}
	return wanted, nil
}

// pick claims up to the peer's free pipeline slots. wanted reports whether
// the peer advertises any piece we still lack, independent of capacity.
func (sc *rarestFirst) pick(id string, peerBitfield *bitmap.Bitmap) (picks []assignment, wanted bool) {
	st := sc.st
	st.Lock()
	defer st.Unlock()

	endgame := st.missing <= ENDGAME_THRESHOLD

	candidates := make([]int, 0)
	for pieceIndex := 0; pieceIndex < st.tor.NumPieces && pieceIndex < peerBitfield.Len(); pieceIndex++ {
		if !peerBitfield.Get(pieceIndex) || st.clientBitField.Get(pieceIndex) {
			continue
		}
		if st.pieces[pieceIndex].state == pieceVerified || st.pieces[pieceIndex].state == pieceVerifying {
			continue
		}
		wanted = true
		for _, bl := range st.pieces[pieceIndex].blocks {
			if requestable(bl, id, endgame) {
				candidates = append(candidates, pieceIndex)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, wanted
	}

	sort.Slice(candidates, func(i, j int) bool {
		p1, p2 := candidates[i], candidates[j]
		if st.pieces[p1].availability != st.pieces[p2].availability {
			return st.pieces[p1].availability < st.pieces[p2].availability
		}
		return p1 < p2
	})

	capacity := MAX_PIPELINED_REQUESTS - len(st.outstanding[id])
	now := time.Now()
	for _, pieceIndex := range candidates {
		if capacity <= 0 {
			break
		}
		for blockIndex, bl := range st.pieces[pieceIndex].blocks {
			if !requestable(bl, id, endgame) {
				continue
			}
			st.markRequested(id, blockRef{piece: pieceIndex, block: blockIndex}, now)
			picks = append(picks, assignment{
				pieceIndex: pieceIndex,
				begin:      blockIndex * BLOCK_SIZE,
				length:     st.blockLength(pieceIndex, blockIndex),
			})
			capacity--
			if capacity <= 0 {
				break
			}
		}
	}
	return picks, wanted
}

// ReleaseExpired frees request slots whose piece message never arrived, so
// the next scheduling pass can hand the block to someone else.
func (sc *rarestFirst) ReleaseExpired(now time.Time) int {
	st := sc.st
	st.Lock()
	defer st.Unlock()

	freed := 0
	for id, reqs := range st.outstanding {
		for ref, requestedAt := range reqs {
			if now.Sub(requestedAt) < REQUEST_TIMEOUT {
				continue
			}
			delete(reqs, ref)
			bl := st.pieces[ref.piece].blocks[ref.block]
			bl.requesters.Remove(id)
			if bl.state == blockRequested && bl.requesters.Cardinality() == 0 {
				bl.state = blockMissing
			}
			freed++
		}
	}
	return freed
}
