package server

import (
	"errors"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"gridclash/metrics"
	"gridclash/protocol"
)

const readTimeout = 250 * time.Millisecond

// Config holds the server's tunables. The defaults match the reference
// deployment; every value can be overridden from the command line.
type Config struct {
	Addr            string        // UDP bind address
	GridSize        int           // grid dimension N
	BroadcastHz     int           // snapshot broadcasts per second
	Redundancy      int           // copies of each snapshot per client
	ClientTimeout   time.Duration // silence before a client is evicted
	CleanupInterval time.Duration // cadence of the eviction sweep
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":50000",
		GridSize:        20,
		BroadcastHz:     20,
		Redundancy:      2,
		ClientTimeout:   15 * time.Second,
		CleanupInterval: time.Second,
	}
}

// Server is the authoritative GCSP endpoint. It runs three long-lived
// loops over one shared Store: the datagram handler, the eviction
// sweep, and the snapshot broadcaster.
type Server struct {
	cfg   Config
	conn  *net.UDPConn
	store *Store
	sink  metrics.Sink

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server. A nil sink disables metrics.
func New(cfg Config, sink metrics.Sink) *Server {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Server{
		cfg:   cfg,
		store: NewStore(cfg.GridSize),
		sink:  sink,
		stop:  make(chan struct{}),
	}
}

// Store exposes the state store for observers and tests.
func (s *Server) Store() *Store { return s.store }

// Addr returns the bound UDP address. Valid after Start.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Start binds the UDP socket and launches the three server loops.
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn

	s.wg.Add(3)
	go s.readLoop()
	go s.cleanupLoop()
	go s.broadcastLoop()

	log.Printf("server: listening on %s (grid %dx%d, %d Hz, timeout %v)",
		conn.LocalAddr(), s.cfg.GridSize, s.cfg.GridSize, s.cfg.BroadcastHz, s.cfg.ClientTimeout)
	return nil
}

// Stop shuts down all loops and closes the socket. Safe to call more
// than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.conn.Close()
		s.wg.Wait()
	})
}

// readLoop receives datagrams until the server stops. Reads use a
// short deadline so the stop signal is observed promptly.
func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
				// ICMP port-unreachable bounced back from a closed
				// client socket (errno varies by platform); harmless
				// over UDP.
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("server: read error: %v", err)
			return
		}
		s.handlePacket(buf[:n], addr)
	}
}

// handlePacket decodes and dispatches one inbound datagram. Malformed
// input is logged and dropped; it never takes down the loop.
func (s *Server) handlePacket(data []byte, addr *net.UDPAddr) {
	h, err := protocol.DecodeHeader(data)
	if err != nil {
		log.Printf("server: bad packet from %v: %v", addr, err)
		return
	}
	payload := protocol.Payload(data, h)

	switch h.Type {
	case protocol.MsgJoin:
		s.handleJoin(addr)
	case protocol.MsgEvent:
		s.handleEvent(addr, payload)
	}
	// Anything else is not valid client -> server traffic; ignore.
}

func (s *Server) handleJoin(addr *net.UDPAddr) {
	res := s.store.Join(addr, protocol.NowMillis())
	if res.PlayerID == 0 {
		log.Printf("server: refusing join from %v: player ids exhausted", addr)
		return
	}
	switch {
	case res.Existing:
		log.Printf("server: existing client re-joined: %v", addr)
	case res.Rejoined:
		log.Printf("server: client %v re-joined as player %d", addr, res.PlayerID)
	default:
		log.Printf("server: new client %v -> player %d", addr, res.PlayerID)
	}
	s.send(addr, protocol.Packet(protocol.MsgJoinAck, 0, 0, protocol.EncodeJoinAck(res.PlayerID)))
}

func (s *Server) handleEvent(addr *net.UDPAddr, payload []byte) {
	ev, err := protocol.DecodeEvent(payload)
	if err != nil {
		log.Printf("server: bad event from %v: %v", addr, err)
		return
	}

	rxMs := protocol.NowMillis()
	res := s.store.ApplyEvent(addr, ev, rxMs)
	if res.PlayerID == 0 {
		log.Printf("server: dropping event from %v: player ids exhausted", addr)
		return
	}
	switch {
	case res.Rejoined:
		log.Printf("server: client %v resumed via event as player %d", addr, res.PlayerID)
	case res.Duplicate:
		log.Printf("server: duplicate event %d from player %d", ev.ID, res.PlayerID)
	case res.Applied:
		log.Printf("server: player %d acquired cell (%d,%d)", res.PlayerID, ev.Row, ev.Col)
	}

	latency := int64(rxMs) - int64(ev.TimestampMs)
	if latency < 0 {
		latency = 0
	}
	s.sink.Event(metrics.EventRecord{
		TimestampMs: int64(rxMs),
		PlayerID:    res.PlayerID,
		EventID:     ev.ID,
		Row:         int(ev.Row),
		Col:         int(ev.Col),
		ClientTsMs:  int64(ev.TimestampMs),
		ServerRxMs:  int64(rxMs),
		LatencyMs:   latency,
	})

	// Ack whether applied, rejected, or duplicate, so the sender's
	// retry loop always terminates.
	ack := protocol.EncodeAck(protocol.Ack{Kind: protocol.AckEvent, EventID: ev.ID})
	s.send(addr, protocol.Packet(protocol.MsgAck, 0, 0, ack))
}

func (s *Server) send(addr *net.UDPAddr, pkt []byte) {
	if _, err := s.conn.WriteToUDP(pkt, addr); err != nil {
		log.Printf("server: send to %v: %v", addr, err)
	}
}

// cleanupLoop evicts clients silent past the timeout.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := s.store.EvictStale(protocol.NowMillis(), uint64(s.cfg.ClientTimeout.Milliseconds()))
			for _, e := range evicted {
				log.Printf("server: client %s (player %d) timed out after %v",
					e.Endpoint, e.PlayerID, s.cfg.ClientTimeout)
			}
		case <-s.stop:
			return
		}
	}
}

// broadcastLoop serializes the state once per tick and sends the same
// packet Redundancy times to every live client. Ticks with no live
// clients consume no snapshot id.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.BroadcastHz))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			id, seq, snap, addrs, ok := s.store.NextBroadcast()
			if !ok {
				continue
			}
			pkt := protocol.Packet(protocol.MsgSnapshot, id, seq, protocol.EncodeSnapshot(snap))
			for i := 0; i < s.cfg.Redundancy; i++ {
				for _, addr := range addrs {
					s.send(addr, pkt)
				}
			}
			s.sink.BroadcastTick(metrics.BroadcastRecord{
				TimestampMs: int64(protocol.NowMillis()),
				SnapshotID:  id,
				NumClients:  len(addrs),
			})
		case <-s.stop:
			return
		}
	}
}
