package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-swarm/swarm/torrent"
	bencode "github.com/jackpal/bencode-go"
)

func (tr *tracker) queryHTTPTracker(trackerURL string, event int) error {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return fmt.Errorf("trackerURL not an absolute URL")
	}

	q := u.Query()
	q.Set("info_hash", string(tr.torrent.InfoHash))
	q.Set("peer_id", string(torrent.PEER_ID))
	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("key", strconv.Itoa(int(tr.key)))
	switch event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	q.Set("numwant", strconv.Itoa(int(tr.numwant)))
	q.Set("port", strconv.Itoa(tr.serverPort))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = bencode.Unmarshal(resp.Body, &tr.announceResp)
	if err != nil {
		return err
	}
	if tr.announceResp.FailureReason != "" {
		return fmt.Errorf("tracker failure: %s", tr.announceResp.FailureReason)
	}

	// Compact peer list: 4-byte IPv4 + 2-byte big-endian port per peer
	peerAddrs := []byte(tr.announceResp.Peers)
	if event != STOPPED {
		for i := 0; i+6 <= len(peerAddrs); i += 6 {
			ip := net.IPv4(peerAddrs[i+0], peerAddrs[i+1], peerAddrs[i+2], peerAddrs[i+3])
			port := binary.BigEndian.Uint16(peerAddrs[i+4 : i+6])
			id := fmt.Sprintf("%s:%d", ip, port)
			tr.peerMgr.AddPeer(id, nil)
		}
	}
	return nil
}
