package server

import (
	"log"
	"net"

	"github.com/go-swarm/swarm/peer"
)

// Server accepts inbound peer connections and hands them to the session
// registry.
type Server interface {
	Serve()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	quit     chan int
	pm       peer.Manager
}

var (
	listen = net.Listen
)

func NewServer(
	pm peer.Manager,
	quit chan int,
	addr string) (Server, error) {

	sv := &server{
		pm:   pm,
		quit: quit,
	}
	listener, err := listen("tcp4", addr)
	if err != nil {
		return nil, err
	}
	sv.listener = listener
	sv.port = sv.listener.Addr().(*net.TCPAddr).Port
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
		log.Println("safely terminating peer listener")
	}()
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					return
				default:
				}
				if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
					continue
				}
				log.Printf("peer listener: %v", err)
				return
			}
			tcpAddr := conn.RemoteAddr().(*net.TCPAddr)
			sv.pm.AddPeer(tcpAddr.String(), conn)
		}
	}()
}

func (sv *server) GetServerPort() int {
	return sv.port
}
