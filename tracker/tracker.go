package tracker

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/go-swarm/swarm/peer"
	"github.com/go-swarm/swarm/stats"
	"github.com/go-swarm/swarm/torrent"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

var (
	// Fallback announce interval when the tracker doesn't supply one.
	DEFAULT_ANNOUNCE_INTERVAL = 30 * time.Minute
	NUMWANT                   = int32(50)
)

// Tracker periodically announces progress and feeds discovered peer
// addresses into the session registry.
type Tracker interface {
	Start()
}

type tracker struct {
	torrent      *torrent.Torrent
	stats        stats.Stats
	peerMgr      peer.Manager
	quit         chan int
	serverPort   int
	key          int32
	numwant      int32
	announceResp struct {
		FailureReason string `bencode:"failure reason"`
		Interval      int32
		Leechers      int32 `bencode:"incomplete"`
		Seeders       int32 `bencode:"complete"`
		Peers         string
	}
}

func genKey() int32 {
	rand.Seed(time.Now().Unix())
	return rand.Int31()
}

func NewTracker(
	torrent *torrent.Torrent,
	stats stats.Stats,
	peerMgr peer.Manager,
	quit chan int,
	serverPort int) Tracker {

	return &tracker{
		torrent:    torrent,
		stats:      stats,
		peerMgr:    peerMgr,
		quit:       quit,
		serverPort: serverPort,
		key:        genKey(),
		numwant:    NUMWANT,
	}
}

func (tr *tracker) announceTracker(trackerURL string) error {

	var queryTracker func(string, int) error
	if strings.HasPrefix(trackerURL, "udp://") {
		queryTracker = tr.queryUDPTracker
	} else if strings.HasPrefix(trackerURL, "http://") || strings.HasPrefix(trackerURL, "https://") {
		queryTracker = tr.queryHTTPTracker
	} else {
		return fmt.Errorf("invalid schema for trackerURL %q", trackerURL)
	}

	if err := queryTracker(trackerURL, STARTED); err != nil {
		return err
	}
	interval := time.Duration(tr.announceResp.Interval) * time.Second
	if interval <= 0 {
		interval = DEFAULT_ANNOUNCE_INTERVAL
	}

	for {
		select {
		case <-tr.quit:
			log.Println("safely terminating tracker")
			queryTracker(trackerURL, STOPPED)
			return nil
		case <-time.After(interval):
			if err := queryTracker(trackerURL, NONE); err != nil {
				return err
			}
		}
	}
}

func (tr *tracker) connectTracker() {
	if len(tr.torrent.MetaInfo.AnnounceList) > 0 {
		for _, trackerURLs := range tr.torrent.MetaInfo.AnnounceList {
			for _, trackerURL := range trackerURLs {
				err := tr.announceTracker(trackerURL)
				if err == nil {
					// We've successfully connected and disconnected
					return
				}
				log.Printf("tracker %s: %v", trackerURL, err)
			}
		}
	} else {
		if err := tr.announceTracker(tr.torrent.MetaInfo.Announce); err != nil {
			log.Printf("tracker %s: %v", tr.torrent.MetaInfo.Announce, err)
		}
	}
}

func (tr *tracker) Start() {
	for {
		select {
		case <-tr.quit:
			return
		// Connect or Reconnect if channel not closed
		default:
			tr.connectTracker()
			select {
			case <-tr.quit:
				return
			case <-time.After(time.Minute):
			}
		}
	}
}
