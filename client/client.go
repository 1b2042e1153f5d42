// Package client implements the GCSP client reliability layer: reliable
// at-least-once delivery of acquire events over UDP (retry until acked,
// bounded), snapshot staleness filtering, and latency/jitter
// measurement. Rendering front-ends consume the accessors and feed
// acquire intents through Acquire; they never touch the socket.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"gridclash/metrics"
	"gridclash/protocol"
)

const readTimeout = 250 * time.Millisecond

// Config holds the client's tunables. The defaults match the reference
// deployment.
type Config struct {
	ServerAddr    string
	RetryInterval time.Duration // resend an unacked event after this long
	MaxRetries    int           // resends before an event is abandoned
	SweepInterval time.Duration // cadence of the retry sweep
	JoinInterval  time.Duration // JOIN resend cadence until acked

	// OnEventFailed, if set, is invoked when an event exhausts its
	// retries without an ack. Set before Dial; the sweep goroutine
	// reads it, so it cannot change afterwards.
	OnEventFailed func(eventID uint32, row, col int)
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		ServerAddr:    "127.0.0.1:50000",
		RetryInterval: 200 * time.Millisecond,
		MaxRetries:    3,
		SweepInterval: 50 * time.Millisecond,
		JoinInterval:  time.Second,
	}
}

// pendingEvent tracks one unacknowledged acquire request.
type pendingEvent struct {
	row, col   uint8
	lastSendMs uint64
	retries    int
}

// Client is one GCSP endpoint. All shared state (pending table, cached
// grid, latency samples) sits behind one mutex; the receive loop, the
// retry sweep, and the caller's send path all serialize on it.
type Client struct {
	cfg   Config
	conn  *net.UDPConn
	sink  metrics.Sink
	runID string

	mu           sync.Mutex
	playerID     uint8
	connected    bool
	lastJoinMs   uint64
	lastSnapshot uint32 // staleness cursor; snapshot ids start at 1
	lastLatency  int64
	haveLatency  bool
	jitterMs     int64
	gridSize     int
	grid         []byte
	nextEventID  uint32
	pending      map[uint32]*pendingEvent

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Dial connects to the server, sends an initial JOIN, and starts the
// receive loop and retry sweep. A nil sink disables metrics.
func Dial(cfg Config, sink metrics.Sink) (*Client, error) {
	if sink == nil {
		sink = metrics.Nop{}
	}
	raddr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		conn:        conn,
		sink:        sink,
		runID:       uuid.NewString(),
		nextEventID: 1,
		pending:     make(map[uint32]*pendingEvent),
		stop:        make(chan struct{}),
	}
	c.lastJoinMs = protocol.NowMillis()
	c.sendJoin()

	c.wg.Add(2)
	go c.recvLoop()
	go c.retryLoop()
	return c, nil
}

// Close stops the background loops and closes the socket.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.conn.Close()
		c.wg.Wait()
	})
}

// RunID identifies this client process in metrics records.
func (c *Client) RunID() string { return c.runID }

// Acquire requests ownership of a cell and returns the event id used.
// The request stays pending until the server acks it; if the retry
// budget runs out the failure is reported through OnEventFailed.
func (c *Client) Acquire(row, col int) (uint32, error) {
	if row < 0 || row > 255 || col < 0 || col > 255 {
		return 0, fmt.Errorf("cell (%d,%d) outside wire range", row, col)
	}

	now := protocol.NowMillis()
	c.mu.Lock()
	id := c.nextEventID
	c.nextEventID++
	c.pending[id] = &pendingEvent{row: uint8(row), col: uint8(col), lastSendMs: now}
	c.mu.Unlock()

	if err := c.sendEvent(id, uint8(row), uint8(col)); err != nil {
		// Leave it pending; the retry sweep picks it up.
		log.Printf("client: send event %d: %v", id, err)
	}
	return id, nil
}

func (c *Client) sendEvent(id uint32, row, col uint8) error {
	payload := protocol.EncodeEvent(protocol.Event{
		Kind:        protocol.EventAcquire,
		ID:          id,
		Row:         row,
		Col:         col,
		TimestampMs: protocol.NowMillis(),
	})
	_, err := c.conn.Write(protocol.Packet(protocol.MsgEvent, 0, 0, payload))
	return err
}

func (c *Client) sendJoin() {
	if _, err := c.conn.Write(protocol.Packet(protocol.MsgJoin, 0, 0, nil)); err != nil {
		log.Printf("client: send join: %v", err)
	}
}

// recvLoop handles inbound datagrams until Close. Reads use a short
// deadline so the stop signal is observed promptly.
func (c *Client) recvLoop() {
	defer c.wg.Done()

	buf := make([]byte, 4096)
	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
				// ICMP port-unreachable bounced off a connected socket
				// (ECONNREFUSED on Linux, ECONNRESET elsewhere). The
				// server is gone or not up yet; keep polling.
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("client: read error: %v", err)
			return
		}
		c.handlePacket(buf[:n], protocol.NowMillis())
	}
}

// handlePacket dispatches one inbound datagram. rxMs is the receive
// time. Malformed packets are dropped.
func (c *Client) handlePacket(data []byte, rxMs uint64) {
	h, err := protocol.DecodeHeader(data)
	if err != nil {
		return
	}
	payload := protocol.Payload(data, h)

	switch h.Type {
	case protocol.MsgJoinAck:
		c.handleJoinAck(payload)
	case protocol.MsgSnapshot:
		c.handleSnapshot(h, payload, rxMs)
	case protocol.MsgAck:
		c.handleAck(payload)
	}
}

func (c *Client) handleJoinAck(payload []byte) {
	id, err := protocol.DecodeJoinAck(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	first := !c.connected
	c.playerID = id
	c.connected = true
	c.mu.Unlock()
	if first {
		log.Printf("client: joined as player %d", id)
	}
}

// handleSnapshot applies the staleness filter, then updates the cached
// grid and the latency/jitter samples. Stale or duplicate snapshots
// (id <= highest applied) leave all state untouched.
func (c *Client) handleSnapshot(h protocol.Header, payload []byte, rxMs uint64) {
	c.mu.Lock()
	if h.SnapshotID <= c.lastSnapshot {
		c.mu.Unlock()
		return
	}
	snap, err := protocol.DecodeSnapshot(payload)
	if err != nil {
		c.mu.Unlock()
		return
	}
	c.lastSnapshot = h.SnapshotID

	latency := int64(rxMs) - int64(h.TimestampMs)
	if latency < 0 {
		latency = 0
	}
	var jitter int64
	if c.haveLatency {
		jitter = latency - c.lastLatency
		if jitter < 0 {
			jitter = -jitter
		}
	}
	c.lastLatency = latency
	c.haveLatency = true
	c.jitterMs = jitter
	c.gridSize = int(snap.GridSize)
	c.grid = snap.Grid
	c.mu.Unlock()

	c.sink.Snapshot(metrics.SnapshotRecord{
		TimestampMs: int64(protocol.NowMillis()),
		RunID:       c.runID,
		SnapshotID:  h.SnapshotID,
		ServerTsMs:  int64(h.TimestampMs),
		ClientRxMs:  int64(rxMs),
		LatencyMs:   latency,
		JitterMs:    jitter,
	})
}

// handleAck removes the matching pending entry. An ack for an unknown
// or already-removed id is a late duplicate and is ignored.
func (c *Client) handleAck(payload []byte) {
	a, err := protocol.DecodeAck(payload)
	if err != nil || a.Kind != protocol.AckEvent {
		return
	}
	c.mu.Lock()
	_, ok := c.pending[a.EventID]
	if ok {
		delete(c.pending, a.EventID)
	}
	c.mu.Unlock()
	if ok {
		log.Printf("client: ack for event %d", a.EventID)
	}
}

// retryLoop drives the retry sweep on a fixed cadence.
func (c *Client) retryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(protocol.NowMillis())
		case <-c.stop:
			return
		}
	}
}

// sweep runs one retry pass: resend every pending event older than the
// retry interval, abandoning those that already used their retry
// budget. Also re-sends JOIN while unacknowledged. Takes the clock as
// a parameter so tests can drive it directly.
func (c *Client) sweep(nowMs uint64) {
	type entry struct {
		id       uint32
		row, col uint8
	}
	var resends, failures []entry
	joinDue := false

	retryMs := uint64(c.cfg.RetryInterval.Milliseconds())

	c.mu.Lock()
	if !c.connected && nowMs-c.lastJoinMs >= uint64(c.cfg.JoinInterval.Milliseconds()) {
		c.lastJoinMs = nowMs
		joinDue = true
	}
	for id, p := range c.pending {
		if nowMs-p.lastSendMs < retryMs {
			continue
		}
		if p.retries >= c.cfg.MaxRetries {
			delete(c.pending, id)
			failures = append(failures, entry{id, p.row, p.col})
			continue
		}
		p.retries++
		p.lastSendMs = nowMs
		resends = append(resends, entry{id, p.row, p.col})
	}
	c.mu.Unlock()

	if joinDue {
		c.sendJoin()
	}
	for _, e := range resends {
		// Same event id, fresh timestamp: the server dedups by id.
		if err := c.sendEvent(e.id, e.row, e.col); err != nil {
			log.Printf("client: resend event %d: %v", e.id, err)
		}
	}
	for _, e := range failures {
		log.Printf("client: event %d (%d,%d) abandoned after %d retries",
			e.id, e.row, e.col, c.cfg.MaxRetries)
		if c.cfg.OnEventFailed != nil {
			c.cfg.OnEventFailed(e.id, int(e.row), int(e.col))
		}
	}
}

// --- Accessors for the rendering/input collaborator ---

// PlayerID returns the assigned player id and whether a JOIN_ACK has
// been received yet.
func (c *Client) PlayerID() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID, c.connected
}

// Connected reports whether the server has acknowledged the join.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Grid returns the cached grid dimension and a copy of its contents.
// The grid is empty until the first snapshot arrives.
func (c *Client) Grid() (int, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	grid := make([]byte, len(c.grid))
	copy(grid, c.grid)
	return c.gridSize, grid
}

// CellOwner returns the cached owner of one cell, 0 if unclaimed,
// unknown, or out of range.
func (c *Client) CellOwner(row, col int) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if row < 0 || row >= c.gridSize || col < 0 || col >= c.gridSize {
		return 0
	}
	return c.grid[row*c.gridSize+col]
}

// IsPending reports whether an unacknowledged acquire targets the cell.
func (c *Client) IsPending(row, col int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if int(p.row) == row && int(p.col) == col {
			return true
		}
	}
	return false
}

// PendingCount returns the number of unacknowledged events.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Latency returns the one-way latency of the last applied snapshot in ms.
func (c *Client) Latency() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLatency
}

// Jitter returns the absolute latency delta between the last two
// applied snapshots in ms.
func (c *Client) Jitter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jitterMs
}

// LastSnapshotID returns the highest snapshot id applied so far.
func (c *Client) LastSnapshotID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnapshot
}
