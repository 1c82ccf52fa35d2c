package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-swarm/swarm/piece"
	"github.com/go-swarm/swarm/stats"
	"github.com/go-swarm/swarm/storage"
	"github.com/go-swarm/swarm/torrent"
	"github.com/go-swarm/swarm/wire"
	mapset "github.com/deckarep/golang-set"
)

var (
	MAX_PEERS = 100
	// Corrupt-piece attributions a peer survives before being banned.
	MAX_CORRUPT_STRIKES = 2
)

// Manager is the session registry: it owns the set of live peer sessions
// and the swarm-wide operations that span them.
type Manager interface {
	AddPeer(id string, conn net.Conn)
	RemovePeer(id string)
	GetPeerList() []Peer
	NumPeers() int
	StopPeers()
	ScheduleAll()
	BroadcastHave(pieceIndex int)
	CancelRequests(peers mapset.Set, pieceIndex, begin, length int)
	Strike(id string)
	StrikeAll(peers mapset.Set)
	ReportFatal(err error)
}

type peerManager struct {
	sync.RWMutex
	torrent     *torrent.Torrent
	store       piece.Store
	sched       piece.Scheduler
	storage     storage.Storage
	stats       stats.Stats
	peers       map[string]Peer
	numPeers    int
	maxPeers    int
	strikes     map[string]int
	bannedPeers mapset.Set
	fatal       chan<- error
}

func NewPeerManager(
	torrent *torrent.Torrent,
	store piece.Store,
	sched piece.Scheduler,
	storage storage.Storage,
	stats stats.Stats,
	fatal chan<- error) Manager {

	return &peerManager{
		torrent:     torrent,
		store:       store,
		sched:       sched,
		storage:     storage,
		stats:       stats,
		peers:       make(map[string]Peer),
		strikes:     make(map[string]int),
		bannedPeers: mapset.NewSet(),
		maxPeers:    MAX_PEERS,
		fatal:       fatal,
	}
}

// Strike records a corrupt-block attribution; repeat offenders are banned
// and their sessions forcibly closed.
func (pm *peerManager) Strike(id string) {
	pm.Lock()
	pm.strikes[id]++
	banned := pm.strikes[id] >= MAX_CORRUPT_STRIKES
	if banned {
		pm.bannedPeers.Add(id)
	}
	p := pm.peers[id]
	pm.Unlock()

	if banned && p != nil {
		p.Stop(fmt.Errorf("peer banned after %d corrupt blocks", MAX_CORRUPT_STRIKES))
	}
}

func (pm *peerManager) StrikeAll(peers mapset.Set) {
	if peers == nil {
		return
	}
	peers.Each(func(id interface{}) bool {
		pm.Strike(id.(string))
		return false
	})
}

func (pm *peerManager) ReportFatal(err error) {
	select {
	case pm.fatal <- err:
	default:
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	pm.RLock()
	defer pm.RUnlock()

	for _, peer := range pm.peers {
		w := peer.GetWire()
		if w != nil {
			w.SendHave(pieceIndex)
		}
	}
}

// CancelRequests tells each losing peer of an endgame race to drop its
// now-redundant request.
func (pm *peerManager) CancelRequests(peers mapset.Set, pieceIndex, begin, length int) {
	pm.RLock()
	defer pm.RUnlock()

	peers.Each(func(id interface{}) bool {
		if peer, ok := pm.peers[id.(string)]; ok {
			if w := peer.GetWire(); w != nil {
				w.SendCancel(pieceIndex, begin, length)
			}
		}
		return false
	})
}

// ScheduleAll re-runs the scheduler against every session, for events that
// free capacity outside any one session (request expiry, piece resets).
func (pm *peerManager) ScheduleAll() {
	for _, peer := range pm.GetPeerList() {
		go peer.RequestMore()
	}
}

func (pm *peerManager) StopPeers() {
	for _, peer := range pm.GetPeerList() {
		peer.Stop(nil)
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	return peers
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()

	return pm.numPeers
}

func (pm *peerManager) AddPeer(id string, conn net.Conn) {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(id) {
		// Peer has been banned
		return
	}
	if pm.numPeers >= pm.maxPeers {
		// Connected to too many peers
		return
	}
	if _, ok := pm.peers[id]; ok {
		// Already connected to peer
		return
	}

	w := (wire.Wire)(nil)
	if conn != nil {
		w = wire.NewWire(conn, time.Duration(time.Second*time.Duration(IDLE_TIMEOUT)))
	}
	peer := NewPeer(
		id,
		w,
		pm.torrent,
		pm.storage,
		pm,
		pm.store,
		pm.sched,
		pm.stats,
	)
	pm.peers[id] = peer
	pm.numPeers++
	go peer.Start()
}

func (pm *peerManager) RemovePeer(id string) {
	pm.Lock()
	defer pm.Unlock()

	if _, ok := pm.peers[id]; !ok {
		return
	}
	delete(pm.peers, id)
	pm.numPeers--
}
