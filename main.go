package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/go-swarm/swarm/swarm"
	"github.com/go-swarm/swarm/torrent"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: swarm <file.torrent> [peer-addr ...]")
		os.Exit(2)
	}

	cfg, err := swarm.InitConf()
	if err != nil {
		log.Fatalln(err)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		log.Fatalln(err)
	}
	tor, err := torrent.NewTorrent(f)
	f.Close()
	if err != nil {
		log.Fatalln(err)
	}

	sw, err := swarm.NewSwarm(tor, cfg)
	if err != nil {
		log.Fatalln(err)
	}
	if err := sw.Start(); err != nil {
		log.Fatalln(err)
	}
	for _, addr := range os.Args[2:] {
		sw.AddPeer(addr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			log.Println("shutting down")
			sw.Stop()
			return
		case err := <-sw.Errors():
			log.Println("fatal:", err)
			sw.Stop()
			os.Exit(1)
		case idx := <-sw.Completions():
			log.Printf("piece %d verified", idx)
		case <-ticker.C:
			p := sw.Progress()
			mode := ""
			if p.Endgame {
				mode = " [endgame]"
			}
			log.Printf("%s / %s (%d/%d pieces) down %s/s up %s/s peers %d%s",
				humanize.IBytes(uint64(p.BytesCompleted)),
				humanize.IBytes(uint64(p.TotalBytes)),
				p.PiecesVerified, p.NumPieces,
				humanize.IBytes(uint64(p.DownloadRate)),
				humanize.IBytes(uint64(p.UploadRate)),
				p.Peers, mode)
			if p.PiecesVerified == p.NumPieces {
				log.Println("download complete; seeding")
			}
		}
	}
}
