package peer

import (
	"testing"
	"time"

	"github.com/go-swarm/swarm/piece"
	"github.com/go-swarm/swarm/stats"
	"github.com/go-swarm/swarm/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
)

type fakePeer struct {
	id        string
	state     connState
	lastPiece int64
	chokes    int
	unchokes  int
}

func (f *fakePeer) Start()             {}
func (f *fakePeer) Stop(error)         {}
func (f *fakePeer) GetWire() wire.Wire { return nil }
func (f *fakePeer) RequestMore()       {}
func (f *fakePeer) SendChoke()         { f.chokes++ }
func (f *fakePeer) SendUnchoke()       { f.unchokes++ }

func (f *fakePeer) GetPeerInfo() (string, connState, wire.Wire, int64) {
	return f.id, f.state, nil, f.lastPiece
}

func chokeFixture(t *testing.T, left int, fakes []*fakePeer) (*choke, stats.Stats) {
	t.Helper()
	tor := peerTestTorrent(4, 2*piece.BLOCK_SIZE)
	clientBF := bitmap.New(tor.NumPieces)
	if left == 0 {
		for i := 0; i < tor.NumPieces; i++ {
			clientBF.Set(i, true)
		}
	}
	st := piece.NewStore(tor, nil, clientBF, left)
	sched := piece.NewRarestFirstScheduler(st)
	sts := stats.NewStats(0, 0, left)

	pm := NewPeerManager(tor, st, sched, nil, sts, make(chan error, 1)).(*peerManager)
	for _, f := range fakes {
		pm.peers[f.id] = f
		pm.numPeers++
	}
	return NewChoke(pm, st, sts, make(chan int)).(*choke), sts
}

func interestedPeer(id string) *fakePeer {
	return &fakePeer{
		id:        id,
		lastPiece: time.Now().Unix(),
		state: connState{
			peerInterested: true,
			peerChoking:    true,
			clientChoking:  true,
		},
	}
}

func TestChokeCycleTopDownloadersPlusOptimistic(t *testing.T) {
	defer func(v int) { DOWNLOADERS = v }(DOWNLOADERS)
	DOWNLOADERS = 2

	fast := interestedPeer("fast")
	faster := interestedPeer("faster")
	slow1 := interestedPeer("slow1")
	slow2 := interestedPeer("slow2")
	slow3 := interestedPeer("slow3")
	indifferent := interestedPeer("indifferent")
	indifferent.state.peerInterested = false

	fakes := []*fakePeer{fast, faster, slow1, slow2, slow3, indifferent}
	c, sts := chokeFixture(t, 1000, fakes)

	sts.UpdatePeer("faster", 0, 10000)
	sts.UpdatePeer("fast", 0, 9000)
	sts.UpdatePeer("slow1", 0, 100)
	sts.UpdatePeer("slow2", 0, 50)
	sts.UpdatePeer("slow3", 0, 10)
	sts.UpdatePeer("indifferent", 0, 99999)

	c.cycle()

	// The two fastest reciprocators are unchoked
	assert.Equal(t, 1, faster.unchokes)
	assert.Equal(t, 1, fast.unchokes)
	assert.Zero(t, faster.chokes)
	assert.Zero(t, fast.chokes)

	// Exactly one of the slow peers wins the optimistic slot
	optimistic := slow1.unchokes + slow2.unchokes + slow3.unchokes
	assert.Equal(t, 1, optimistic)

	// Speed never overrides disinterest
	assert.Equal(t, 1, indifferent.chokes)
	assert.Zero(t, indifferent.unchokes)
}

func TestSnubbedPeerStaysChoked(t *testing.T) {
	defer func(v int) { DOWNLOADERS = v }(DOWNLOADERS)
	DOWNLOADERS = 2

	snubber := interestedPeer("snubber")
	snubber.state.clientInterested = true
	snubber.state.peerChoking = false
	snubber.lastPiece = time.Now().Unix() - SNUBBED_PERIOD - 10

	steady := interestedPeer("steady")

	c, sts := chokeFixture(t, 1000, []*fakePeer{snubber, steady})
	sts.UpdatePeer("snubber", 0, 99999)
	sts.UpdatePeer("steady", 0, 10)

	c.cycle()

	assert.Equal(t, 1, snubber.chokes)
	assert.Zero(t, snubber.unchokes)
	assert.Equal(t, 1, steady.unchokes)
}

func TestSeedingRanksByUploadRate(t *testing.T) {
	defer func(v int) { DOWNLOADERS = v }(DOWNLOADERS)
	DOWNLOADERS = 1

	taker := interestedPeer("taker")
	slow1 := interestedPeer("slow1")
	slow2 := interestedPeer("slow2")

	c, sts := chokeFixture(t, 0, []*fakePeer{taker, slow1, slow2})
	// taker receives from us fastest; its download rate is irrelevant
	sts.UpdatePeer("taker", 10000, 0)
	sts.UpdatePeer("slow1", 10, 99999)
	sts.UpdatePeer("slow2", 5, 0)

	c.cycle()

	assert.Equal(t, 1, taker.unchokes)
	assert.Equal(t, 1, slow1.unchokes+slow2.unchokes)
}
