package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/go-swarm/swarm/piece"
	"github.com/go-swarm/swarm/stats"
)

var (
	// Seconds since the last received block after which an unchoked peer
	// counts as snubbing us.
	SNUBBED_PERIOD int64 = 60
	// Seconds between choke re-evaluations.
	CHOKE_INTERVAL = 10
	// Reciprocation slots; one extra optimistic unchoke comes on top.
	DOWNLOADERS = 4
)

type peerInfo struct {
	peer          Peer
	id            string
	state         connState
	lastPiece     int64
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

type Choke interface {
	Start()
}

type choke struct {
	peerMgr Manager
	store   piece.Store
	stats   stats.Stats
	quit    chan int
}

func NewChoke(
	peerMgr Manager,
	store piece.Store,
	stats stats.Stats,
	quit chan int) Choke {

	return &choke{
		peerMgr: peerMgr,
		store:   store,
		stats:   stats,
		quit:    quit,
	}
}

func sortBySpeed(peers []*peerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

// cycle runs one choke evaluation: unchoke the top-DOWNLOADERS interested
// peers by reciprocation speed plus one random optimistic pick, choke the
// rest. Transitions go through Peer.SendChoke/SendUnchoke, which suppress
// redundant sends, so each flip emits exactly one protocol message.
func (c *choke) cycle() {
	peers := c.peerMgr.GetPeerList()
	peerStats := c.stats.GetPeerStats()
	seeding := c.store.BytesLeft() == 0

	peerInfos := make([]*peerInfo, 0, len(peers))
	for _, p := range peers {
		id, state, _, lastPiece := p.GetPeerInfo()
		peerInfos = append(peerInfos, &peerInfo{
			peer:      p,
			id:        id,
			state:     state,
			lastPiece: lastPiece,
		})
	}

	interested := make([]*peerInfo, 0)
	for _, pi := range peerInfos {
		if peerStat, ok := peerStats[pi.id]; ok {
			if seeding {
				// Reciprocation while seeding rewards peers we upload
				// to fastest.
				pi.speed = peerStat.UploadRate
			} else {
				pi.speed = peerStat.DownloadRate
			}
		}
		if pi.state.clientInterested && !pi.state.peerChoking {
			if time.Now().Unix()-pi.lastPiece > SNUBBED_PERIOD {
				pi.snubbedClient = true
			}
		}
		if pi.state.peerInterested && !pi.snubbedClient {
			interested = append(interested, pi)
		}
	}

	// Reciprocation slots go to the fastest interested peers
	sortBySpeed(interested)
	for i := 0; i < len(interested) && i < DOWNLOADERS; i++ {
		interested[i].shouldUnchoke = true
	}

	// Optimistic unchoke: one random pick from the rest, to discover
	// fast peers newly joining the swarm
	if len(interested) > DOWNLOADERS {
		rest := interested[DOWNLOADERS:]
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		rest[0].shouldUnchoke = true
	}

	for _, pi := range peerInfos {
		if pi.shouldUnchoke {
			pi.peer.SendUnchoke()
		} else {
			pi.peer.SendChoke()
		}
	}
}

func (c *choke) Start() {
	for {
		select {
		case <-c.quit:
			return
		case <-time.After(time.Duration(CHOKE_INTERVAL) * time.Second):
			c.cycle()
		}
	}
}
