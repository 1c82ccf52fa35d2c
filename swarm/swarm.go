package swarm

import (
	"sync"
	"time"

	"github.com/go-swarm/swarm/peer"
	"github.com/go-swarm/swarm/piece"
	"github.com/go-swarm/swarm/server"
	"github.com/go-swarm/swarm/stats"
	"github.com/go-swarm/swarm/storage"
	"github.com/go-swarm/swarm/torrent"
	"github.com/go-swarm/swarm/tracker"
)

// Progress is a point-in-time aggregate view, pulled by observers.
type Progress struct {
	TotalBytes     int
	BytesCompleted int
	NumPieces      int
	PiecesVerified int
	DownloadRate   int
	UploadRate     int
	Peers          int
	Endgame        bool
}

// Swarm owns the session registry and the piece store and drives the
// periodic scheduling and choking cycles for one torrent.
type Swarm interface {
	Start() error
	Stop()
	AddPeer(addr string)
	Progress() Progress
	Completions() <-chan int
	Errors() <-chan error
}

type swarm struct {
	cfg     Config
	tor     *torrent.Torrent
	storage storage.Storage
	stats   stats.Stats
	store   piece.Store
	sched   piece.Scheduler
	peerMgr peer.Manager
	choke   peer.Choke
	sv      server.Server
	quit    chan int
	errs    chan error
	stop    sync.Once
}

func NewSwarm(tor *torrent.Torrent, cfg Config) (Swarm, error) {
	cfg.apply()

	stg, err := storage.NewRandomAccessStorage(tor)
	if err != nil {
		return nil, err
	}
	clientBitfield, left, err := stg.VerifiedBitfield()
	if err != nil {
		stg.Close()
		return nil, err
	}

	quit := make(chan int)
	errs := make(chan error, 1)
	st := stats.NewStats(0, 0, left)
	store := piece.NewStore(tor, stg, clientBitfield, left)
	sched := piece.NewRarestFirstScheduler(store)
	peerMgr := peer.NewPeerManager(tor, store, sched, stg, st, errs)
	choke := peer.NewChoke(peerMgr, store, st, quit)

	return &swarm{
		cfg:     cfg,
		tor:     tor,
		storage: stg,
		stats:   st,
		store:   store,
		sched:   sched,
		peerMgr: peerMgr,
		choke:   choke,
		quit:    quit,
		errs:    errs,
	}, nil
}

func (s *swarm) Start() error {
	sv, err := server.NewServer(s.peerMgr, s.quit, s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.sv = sv
	sv.Serve()

	go s.choke.Start()
	if !s.cfg.DisableTrackers {
		tr := tracker.NewTracker(s.tor, s.stats, s.peerMgr, s.quit, sv.GetServerPort())
		go tr.Start()
	}
	go s.sweepExpired()
	return nil
}

// sweepExpired frees request slots whose block never arrived and hands the
// reclaimed capacity straight back to the scheduler.
func (s *swarm) sweepExpired() {
	interval := piece.REQUEST_TIMEOUT / 2
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-s.quit:
			return
		case <-time.After(interval):
			if s.sched.ReleaseExpired(time.Now()) > 0 {
				s.peerMgr.ScheduleAll()
			}
		}
	}
}

func (s *swarm) Stop() {
	s.stop.Do(func() {
		close(s.quit)
		s.peerMgr.StopPeers()
		s.storage.Close()
	})
}

func (s *swarm) AddPeer(addr string) {
	s.peerMgr.AddPeer(addr, nil)
}

func (s *swarm) Completions() <-chan int {
	return s.store.Completions()
}

func (s *swarm) Errors() <-chan error {
	return s.errs
}

func (s *swarm) Progress() Progress {
	up, down := s.stats.GetClientStats()
	return Progress{
		TotalBytes:     s.tor.Length,
		BytesCompleted: s.tor.Length - s.store.BytesLeft(),
		NumPieces:      s.tor.NumPieces,
		PiecesVerified: s.store.NumVerified(),
		DownloadRate:   down,
		UploadRate:     up,
		Peers:          s.peerMgr.NumPeers(),
		Endgame:        s.sched.InEndgame(),
	}
}
