package piece

import (
	"testing"
	"time"

	"github.com/go-swarm/swarm/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type recordingWire struct {
	wire.Wire
	requests []assignment
	cancels  []assignment
}

func (w *recordingWire) SendRequest(pieceIndex, begin, length int) error {
	w.requests = append(w.requests, assignment{pieceIndex, begin, length})
	return nil
}

func (w *recordingWire) SendCancel(pieceIndex, begin, length int) error {
	w.cancels = append(w.cancels, assignment{pieceIndex, begin, length})
	return nil
}

func bitfieldOf(numPieces int, pieces ...int) *bitmap.Bitmap {
	bf := bitmap.New(numPieces)
	for _, p := range pieces {
		bf.Set(p, true)
	}
	return &bf
}

func TestRarestFirstOrdering(t *testing.T) {
	defer func(p, e int) { MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD = p, e }(MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD)
	MAX_PIPELINED_REQUESTS = 48
	ENDGAME_THRESHOLD = 0

	tor := testTorrent(4, 16*BLOCK_SIZE, nil)
	st := NewStore(tor, nil, bitmap.New(tor.NumPieces), tor.Length)
	sched := NewRarestFirstScheduler(st)

	// A holds {0, 2}, B holds {1, 2, 3}: piece 2 is the most common.
	bfA := bitfieldOf(tor.NumPieces, 0, 2)
	bfB := bitfieldOf(tor.NumPieces, 1, 2, 3)
	for _, p := range []int{0, 2} {
		st.PieceHave("A", p)
	}
	for _, p := range []int{1, 2, 3} {
		st.PieceHave("B", p)
	}

	wB := &recordingWire{}
	wanted, err := sched.SendBlockRequests("B", wB, bfB)
	assert.NoError(t, err)
	assert.True(t, wanted)
	assert.Len(t, wB.requests, 48)
	for i, a := range wB.requests {
		switch {
		case i < 16:
			assert.Equal(t, 1, a.pieceIndex)
		case i < 32:
			assert.Equal(t, 3, a.pieceIndex)
		default:
			assert.Equal(t, 2, a.pieceIndex)
		}
	}

	// Piece 2 is fully claimed by B, so A only gets piece 0.
	wA := &recordingWire{}
	wanted, err = sched.SendBlockRequests("A", wA, bfA)
	assert.NoError(t, err)
	assert.True(t, wanted)
	assert.Len(t, wA.requests, 16)
	for _, a := range wA.requests {
		assert.Equal(t, 0, a.pieceIndex)
	}
}

func TestPipelineBound(t *testing.T) {
	defer func(p, e int) { MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD = p, e }(MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD)
	MAX_PIPELINED_REQUESTS = 5
	ENDGAME_THRESHOLD = 0

	tor := testTorrent(1, 16*BLOCK_SIZE, nil)
	st := NewStore(tor, nil, bitmap.New(tor.NumPieces), tor.Length)
	sched := NewRarestFirstScheduler(st)

	bf := bitfieldOf(tor.NumPieces, 0)
	st.PieceHave("A", 0)

	w := &recordingWire{}
	wanted, err := sched.SendBlockRequests("A", w, bf)
	assert.NoError(t, err)
	assert.True(t, wanted)
	assert.Len(t, w.requests, 5)
	assert.Equal(t, 5, st.Outstanding("A"))

	// Pipeline full: another pass must not claim more slots, but the peer
	// still counts as wanted.
	wanted, err = sched.SendBlockRequests("A", w, bf)
	assert.NoError(t, err)
	assert.True(t, wanted)
	assert.Len(t, w.requests, 5)
	assert.Equal(t, 5, st.Outstanding("A"))
}

func TestEndgameDuplicationAndCancel(t *testing.T) {
	defer func(p, e int) { MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD = p, e }(MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD)
	MAX_PIPELINED_REQUESTS = 4
	ENDGAME_THRESHOLD = 16

	block1 := fillBlock(1)
	block2 := fillBlock(2)
	pieceData := append(append([]byte{}, block1...), block2...)
	tor := testTorrent(1, 2*BLOCK_SIZE, [][]byte{pieceData})

	disk := &mockStorage{}
	disk.On("WritePiece", 0, mock.Anything).Return(nil).Once()

	st := NewStore(tor, disk, bitmap.New(tor.NumPieces), tor.Length)
	sched := NewRarestFirstScheduler(st)
	assert.True(t, sched.InEndgame())

	bf := bitfieldOf(tor.NumPieces, 0)
	st.PieceHave("A", 0)
	st.PieceHave("B", 0)

	wA, wB := &recordingWire{}, &recordingWire{}
	_, err := sched.SendBlockRequests("A", wA, bf)
	assert.NoError(t, err)
	_, err = sched.SendBlockRequests("B", wB, bf)
	assert.NoError(t, err)
	assert.Equal(t, 2, st.Outstanding("A"))
	assert.Equal(t, 2, st.Outstanding("B"))

	// A delivers block 0 first; B's duplicate request becomes a cancel.
	receipt, err := st.MarkBlockReceived("A", 0, 0, block1)
	assert.NoError(t, err)
	assert.NotNil(t, receipt.Cancels)
	assert.True(t, receipt.Cancels.Contains("B"))
	assert.Equal(t, 1, st.Outstanding("B"))

	// B's stale payload for the cancelled block is refused.
	_, err = st.MarkBlockReceived("B", 0, 0, block1)
	assert.ErrorIs(t, err, ErrUnrequestedBlock)

	receipt, err = st.MarkBlockReceived("B", 0, BLOCK_SIZE, block2)
	assert.NoError(t, err)
	assert.True(t, receipt.PieceVerified)
	assert.True(t, receipt.Cancels.Contains("A"))
	disk.AssertExpectations(t)
}

func TestReleaseExpiredFreesSlots(t *testing.T) {
	defer func(p, e int) { MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD = p, e }(MAX_PIPELINED_REQUESTS, ENDGAME_THRESHOLD)
	MAX_PIPELINED_REQUESTS = 4
	ENDGAME_THRESHOLD = 0

	tor := testTorrent(1, 4*BLOCK_SIZE, nil)
	st := NewStore(tor, nil, bitmap.New(tor.NumPieces), tor.Length)
	sched := NewRarestFirstScheduler(st)

	bf := bitfieldOf(tor.NumPieces, 0)
	st.PieceHave("A", 0)
	st.PieceHave("B", 0)

	wA := &recordingWire{}
	_, err := sched.SendBlockRequests("A", wA, bf)
	assert.NoError(t, err)
	assert.Equal(t, 4, st.Outstanding("A"))

	freed := sched.ReleaseExpired(time.Now().Add(REQUEST_TIMEOUT + time.Second))
	assert.Equal(t, 4, freed)
	assert.Equal(t, 0, st.Outstanding("A"))

	// The freed blocks are schedulable again, by another peer too.
	wB := &recordingWire{}
	_, err = sched.SendBlockRequests("B", wB, bf)
	assert.NoError(t, err)
	assert.Len(t, wB.requests, 4)
}

func TestNotWantedWhenPeerHasNothing(t *testing.T) {
	tor := testTorrent(2, 2*BLOCK_SIZE, nil)
	clientBF := bitmap.New(tor.NumPieces)
	clientBF.Set(0, true)
	st := NewStore(tor, nil, clientBF, tor.Length-2*BLOCK_SIZE)
	sched := NewRarestFirstScheduler(st)

	// The peer only advertises a piece we already hold.
	bf := bitfieldOf(tor.NumPieces, 0)
	st.PieceHave("A", 0)

	w := &recordingWire{}
	wanted, err := sched.SendBlockRequests("A", w, bf)
	assert.NoError(t, err)
	assert.False(t, wanted)
	assert.Empty(t, w.requests)
}
