package peer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-swarm/swarm/piece"
	"github.com/go-swarm/swarm/stats"
	"github.com/go-swarm/swarm/storage"
	"github.com/go-swarm/swarm/torrent"
	"github.com/go-swarm/swarm/wire"
	bitmap "github.com/boljen/go-bitmap"
)

var (
	// Seconds an inbound block request sits in the queue before being
	// served, giving the remote's cancel a chance to arrive first.
	BLOCK_READ_REQUEST_DELAY = 5
	// Seconds without any message (keep-alives included) before the
	// session is closed.
	IDLE_TIMEOUT = 120
	// Seconds between outbound keep-alives on an otherwise quiet wire.
	KEEP_ALIVE_INTERVAL = 60
)

var (
	ErrHandshakeMismatch = errors.New("handshake info hash mismatch")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("session timed out")
)

type sessionPhase uint8

const (
	phaseConnecting sessionPhase = iota
	phaseHandshaking
	phaseEstablished
	phaseClosed
)

type Peer interface {
	Start()
	Stop(reason error)
	GetPeerInfo() (id string, state connState, w wire.Wire, lastPiece int64)
	GetWire() wire.Wire
	SendChoke()
	SendUnchoke()
	RequestMore()
}

var newWire = wire.NewWire

type peer struct {
	sync.Mutex
	id                    string
	phase                 sessionPhase
	state                 connState
	closed                bool
	storage               storage.Storage
	torrent               *torrent.Torrent
	peerMgr               Manager
	store                 piece.Store
	sched                 piece.Scheduler
	wire                  wire.Wire
	stats                 stats.Stats
	readRequestCancelChan map[string]chan int
	peerBitfield          *bitmap.Bitmap
	lastPiece             int64
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

func NewPeer(
	id string,
	w wire.Wire,
	torrent *torrent.Torrent,
	storage storage.Storage,
	peerMgr Manager,
	store piece.Store,
	sched piece.Scheduler,
	stats stats.Stats) *peer {

	peer := &peer{
		id:                    id,
		wire:                  w,
		torrent:               torrent,
		storage:               storage,
		peerMgr:               peerMgr,
		store:                 store,
		sched:                 sched,
		stats:                 stats,
		phase:                 phaseConnecting,
		readRequestCancelChan: make(map[string]chan int),
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
	}
	return peer
}

func (p *peer) GetWire() wire.Wire {
	p.Lock()
	defer p.Unlock()

	return p.wire
}

func (p *peer) Stop(reason error) {
	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	p.closed = true
	p.phase = phaseClosed
	bf := p.peerBitfield
	w := p.wire
	p.Unlock()

	if reason != nil {
		log.Printf("peer %s: closing session: %v", p.id, reason)
	}
	go func() {
		p.peerMgr.RemovePeer(p.id)
		p.store.PeerStopped(p.id, bf)
		p.stats.RemovePeer(p.id)
	}()
	if w != nil {
		w.Close()
	}
}

func (p *peer) GetPeerInfo() (string, connState, wire.Wire, int64) {
	p.Lock()
	defer p.Unlock()

	return p.id, p.state, p.wire, p.lastPiece
}

// SendChoke flips am_choking and emits the protocol message, exactly once
// per transition.
func (p *peer) SendChoke() {
	p.Lock()
	if p.closed || p.state.clientChoking {
		p.Unlock()
		return
	}
	p.state.clientChoking = true
	w := p.wire
	p.Unlock()

	if w != nil {
		w.SendChoke()
	}
}

func (p *peer) SendUnchoke() {
	p.Lock()
	if p.closed || !p.state.clientChoking {
		p.Unlock()
		return
	}
	p.state.clientChoking = false
	w := p.wire
	p.Unlock()

	if w != nil {
		w.SendUnchoke()
	}
}

// SendInterested flips am_interested and emits the protocol message,
// exactly once per transition, so the flag and the wire stay in lockstep.
func (p *peer) SendInterested() {
	p.Lock()
	if p.closed || p.state.clientInterested {
		p.Unlock()
		return
	}
	p.state.clientInterested = true
	w := p.wire
	p.Unlock()

	if w != nil {
		w.SendInterested()
	}
}

func (p *peer) SendUnInterested() {
	p.Lock()
	if p.closed || !p.state.clientInterested {
		p.Unlock()
		return
	}
	p.state.clientInterested = false
	w := p.wire
	p.Unlock()

	if w != nil {
		w.SendUnInterested()
	}
}

// RequestMore hands the session's free pipeline slots to the scheduler.
func (p *peer) RequestMore() {
	p.Lock()
	if p.closed || p.state.peerChoking || p.peerBitfield == nil {
		p.Unlock()
		return
	}
	w := p.wire
	bf := p.peerBitfield
	p.Unlock()

	wanted, err := p.sched.SendBlockRequests(p.id, w, bf)
	if err != nil {
		p.Stop(err)
		return
	}
	if !wanted {
		p.SendUnInterested()
	}
}

func (p *peer) Start() {
	if p.GetWire() == nil {
		conn, err := net.DialTimeout("tcp4", p.id, time.Duration(2*time.Second))
		if err != nil {
			p.Stop(err)
			return
		}
		p.Lock()
		p.wire = newWire(conn, time.Duration(time.Second*time.Duration(IDLE_TIMEOUT)))
		p.Unlock()
	}

	// handshake
	p.Lock()
	p.phase = phaseHandshaking
	p.Unlock()

	err := p.wire.SendHandshake(19, "BitTorrent protocol", p.torrent.InfoHash, torrent.PEER_ID)
	if err != nil {
		p.Stop(err)
		return
	}
	length, protocol, infoHash, _, err := p.wire.ReadHandshake()
	if err != nil {
		p.Stop(err)
		return
	}
	if length != 19 || protocol != "BitTorrent protocol" {
		p.Stop(fmt.Errorf("malformed handshake preamble: %w", ErrProtocolViolation))
		return
	}
	if !bytes.Equal(infoHash, p.torrent.InfoHash) {
		p.Stop(ErrHandshakeMismatch)
		return
	}

	p.Lock()
	p.phase = phaseEstablished
	p.lastPiece = time.Now().Unix()
	p.Unlock()

	// keep-alive thread
	go func() {
		interval := time.Duration(KEEP_ALIVE_INTERVAL) * time.Second
		for {
			now := <-time.After(interval)
			p.Lock()
			closed := p.closed
			p.Unlock()
			if closed {
				return
			}
			// Send a keep alive if we haven't sent a message in over a minute
			if p.wire.GetLastMessageSent().Before(now.Add(-interval)) {
				if err := p.wire.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}()

	// send bitfield
	if err := p.wire.SendBitField(p.store.GetBitField()); err != nil {
		p.Stop(err)
		return
	}

	// handle all subsequent messages
	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				p.Stop(ErrTimeout)
			} else {
				p.Stop(err)
			}
			return
		}
		if length == 0 {
			// keep-alive message
			continue
		}
		if err := p.decodeMessage(messageID, payload); err != nil {
			p.Stop(err)
			return
		}
	}
}

func readUint32s(payload []byte, n int) ([]int, error) {
	if len(payload) < 4*n {
		return nil, fmt.Errorf("short payload: %w", ErrProtocolViolation)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(binary.BigEndian.Uint32(payload[4*i:]))
	}
	return out, nil
}

func (p *peer) decodeMessage(messageID byte, payload []byte) error {
	switch messageID {
	case wire.CHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.Unlock()
		if !wasChoking {
			go p.store.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = false
		p.Unlock()
		if wasChoking {
			go p.RequestMore()
		}
	case wire.INTERESTED:
		p.Lock()
		p.state.peerInterested = true
		p.Unlock()
	case wire.NOT_INTERESTED:
		p.Lock()
		p.state.peerInterested = false
		p.Unlock()
	case wire.HAVE:
		vals, err := readUint32s(payload, 1)
		if err != nil {
			return err
		}
		pieceIndex := vals[0]
		if pieceIndex >= p.torrent.NumPieces {
			return fmt.Errorf("have index %d: %w", pieceIndex, ErrProtocolViolation)
		}
		p.Lock()
		if p.peerBitfield == nil {
			bf := bitmap.New(p.torrent.NumPieces)
			p.peerBitfield = &bf
		}
		known := p.peerBitfield.Get(pieceIndex)
		p.peerBitfield.Set(pieceIndex, true)
		p.Unlock()
		if known {
			// Repeat announcement; the rarity count already includes it.
			return nil
		}
		p.store.PieceHave(p.id, pieceIndex)

		// If client doesn't have the piece, become interested
		if !bitmap.Get(p.store.GetBitField(), pieceIndex) {
			p.SendInterested()
			p.Lock()
			choked := p.state.peerChoking
			p.Unlock()
			if !choked {
				go p.RequestMore()
			}
		}
	case wire.BITFIELD:
		p.Lock()
		known := p.peerBitfield != nil
		p.Unlock()
		if known {
			// Only legal directly after the handshake; a second one would
			// double-count every piece it repeats.
			return fmt.Errorf("bitfield after first message: %w", ErrProtocolViolation)
		}
		if len(payload) != (p.torrent.NumPieces+7)/8 {
			return fmt.Errorf("bitfield of %d bytes for %d pieces: %w",
				len(payload), p.torrent.NumPieces, ErrProtocolViolation)
		}
		bf := bitmap.New(p.torrent.NumPieces)
		for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
			if bitmap.Get(payload, pieceIndex) {
				bf.Set(pieceIndex, true)
				p.store.PieceHave(p.id, pieceIndex)
			}
		}
		p.Lock()
		p.peerBitfield = &bf
		p.Unlock()

		// If the peer has a piece the client lacks, become interested
		clientBitField := p.store.GetBitField()
		for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
			if bf.Get(pieceIndex) && !bitmap.Get(clientBitField, pieceIndex) {
				p.SendInterested()
				break
			}
		}
	case wire.REQUEST:
		vals, err := readUint32s(payload, 3)
		if err != nil {
			return err
		}
		pieceIndex, blockByteOffset, length := vals[0], vals[1], vals[2]

		p.Lock()
		choking := p.state.clientChoking
		interested := p.state.peerInterested
		p.Unlock()
		if choking || !interested {
			// Out-of-contract request; tolerated, not fatal.
			log.Printf("peer %s: ignoring request while choked", p.id)
			return nil
		}
		if pieceIndex >= p.torrent.NumPieces ||
			!bitmap.Get(p.store.GetBitField(), pieceIndex) ||
			length <= 0 || length > 2*piece.BLOCK_SIZE ||
			blockByteOffset+length > p.torrent.PieceLength(pieceIndex) {
			log.Printf("peer %s: ignoring unserviceable request %d/%d+%d", p.id, pieceIndex, blockByteOffset, length)
			return nil
		}

		requestID := strconv.Itoa(pieceIndex) + "/" + strconv.Itoa(blockByteOffset) + "/" + strconv.Itoa(length)
		quit := make(chan int)
		go func() {
			select {
			case <-quit:
				return
			case <-time.After(time.Duration(BLOCK_READ_REQUEST_DELAY) * time.Second):
				p.Lock()
				delete(p.readRequestCancelChan, requestID)
				p.Unlock()
				block, err := p.storage.ReadBlock(pieceIndex, blockByteOffset, length)
				if err != nil {
					p.peerMgr.ReportFatal(fmt.Errorf("read block %d/%d: %w", pieceIndex, blockByteOffset, err))
					p.Stop(err)
					return
				}
				if err := p.wire.SendBlock(pieceIndex, blockByteOffset, block); err != nil {
					p.Stop(err)
					return
				}
				p.stats.UpdatePeer(p.id, length, 0)
			}
		}()
		p.Lock()
		p.readRequestCancelChan[requestID] = quit
		p.Unlock()
	case wire.BLOCK:
		if len(payload) < 8 {
			return fmt.Errorf("piece message of %d bytes: %w", len(payload), ErrProtocolViolation)
		}
		pieceIndex := int(binary.BigEndian.Uint32(payload[0:4]))
		blockByteOffset := int(binary.BigEndian.Uint32(payload[4:8]))
		blockData := payload[8:]

		p.Lock()
		p.lastPiece = time.Now().Unix()
		p.Unlock()
		p.stats.UpdatePeer(p.id, 0, len(blockData))

		// Verification hashes the whole piece; keep it off the read loop.
		go p.handleBlock(pieceIndex, blockByteOffset, blockData)
	case wire.CANCEL:
		vals, err := readUint32s(payload, 3)
		if err != nil {
			return err
		}
		pieceIndex, blockByteOffset, length := vals[0], vals[1], vals[2]
		requestID := strconv.Itoa(pieceIndex) + "/" + strconv.Itoa(blockByteOffset) + "/" + strconv.Itoa(length)
		p.Lock()
		if quitC, ok := p.readRequestCancelChan[requestID]; ok {
			close(quitC)
			delete(p.readRequestCancelChan, requestID)
		}
		p.Unlock()
	case wire.PORT:
		// DHT port announcement (BEP 0005); not handled here.
	default:
		return fmt.Errorf("unknown message id %d: %w", messageID, ErrProtocolViolation)
	}
	return nil
}

func (p *peer) handleBlock(pieceIndex, blockByteOffset int, blockData []byte) {
	receipt, err := p.store.MarkBlockReceived(p.id, pieceIndex, blockByteOffset, blockData)
	if err != nil {
		if errors.Is(err, piece.ErrUnknownPiece) ||
			errors.Is(err, piece.ErrOutOfRange) ||
			errors.Is(err, piece.ErrUnrequestedBlock) {
			// Bad payload costs a strike, not the session.
			log.Printf("peer %s: rejected block: %v", p.id, err)
			p.peerMgr.Strike(p.id)
			return
		}
		// Storage failure is terminal for the engine.
		p.peerMgr.ReportFatal(err)
		p.Stop(err)
		return
	}
	if receipt.Cancels != nil && receipt.Cancels.Cardinality() > 0 {
		p.peerMgr.CancelRequests(receipt.Cancels, pieceIndex, blockByteOffset, len(blockData))
	}
	if receipt.Corrupt {
		log.Printf("peer %s: piece %d failed verification", p.id, pieceIndex)
		p.peerMgr.StrikeAll(receipt.Contributors)
	}
	if receipt.PieceVerified {
		p.stats.SetLeft(p.store.BytesLeft())
		p.peerMgr.BroadcastHave(pieceIndex)
	}
	p.RequestMore()
}
