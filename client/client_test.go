package client

import (
	"net"
	"sync"
	"testing"
	"time"

	"gridclash/metrics"
	"gridclash/protocol"
)

// recordSink captures metrics records for assertions.
type recordSink struct {
	mu        sync.Mutex
	snapshots []metrics.SnapshotRecord
}

func (s *recordSink) BroadcastTick(metrics.BroadcastRecord) {}
func (s *recordSink) Event(metrics.EventRecord)             {}
func (s *recordSink) Snapshot(r metrics.SnapshotRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, r)
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// newTestClient dials a throwaway UDP listener so sends go somewhere
// harmless, with the sweep cadence slowed to a crawl so only explicit
// sweep calls run. mod, if non-nil, tweaks the config before Dial.
func newTestClient(t *testing.T, sink metrics.Sink, mod func(*Config)) (*Client, *net.UDPConn) {
	t.Helper()
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	cfg := DefaultConfig()
	cfg.ServerAddr = ln.LocalAddr().String()
	cfg.SweepInterval = time.Hour
	cfg.JoinInterval = time.Hour
	if mod != nil {
		mod(&cfg)
	}
	c, err := Dial(cfg, sink)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c, ln
}

// drainPackets reads every datagram already queued on ln and returns
// the decoded message types.
func drainPackets(t *testing.T, ln *net.UDPConn) []protocol.MsgType {
	t.Helper()
	var types []protocol.MsgType
	buf := make([]byte, 4096)
	for {
		ln.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := ln.ReadFromUDP(buf)
		if err != nil {
			return types
		}
		h, err := protocol.DecodeHeader(buf[:n])
		if err != nil {
			continue
		}
		types = append(types, h.Type)
	}
}

func snapshotPacket(id uint32, sentMs uint64, snap protocol.Snapshot) []byte {
	payload := protocol.EncodeSnapshot(snap)
	h := protocol.Header{
		Type:        protocol.MsgSnapshot,
		SnapshotID:  id,
		Seq:         id,
		TimestampMs: sentMs,
		PayloadLen:  uint16(len(payload)),
	}
	return append(protocol.EncodeHeader(h), payload...)
}

func ackPacket(eventID uint32) []byte {
	return protocol.Packet(protocol.MsgAck, 0, 0,
		protocol.EncodeAck(protocol.Ack{Kind: protocol.AckEvent, EventID: eventID}))
}

func TestRetryTermination(t *testing.T) {
	var failMu sync.Mutex
	var failedID uint32
	c, ln := newTestClient(t, nil, func(cfg *Config) {
		cfg.OnEventFailed = func(id uint32, row, col int) {
			failMu.Lock()
			failedID = id
			failMu.Unlock()
		}
	})

	c.mu.Lock()
	c.connected = true
	c.pending[42] = &pendingEvent{row: 3, col: 5, lastSendMs: 1000}
	c.mu.Unlock()

	// Younger than the retry interval: untouched.
	c.sweep(1100)
	if got := c.PendingCount(); got != 1 {
		t.Fatalf("pending count %d after early sweep", got)
	}

	// Each due sweep resends once with the same event id.
	c.sweep(1300)
	c.sweep(1501)
	c.sweep(1702)
	c.mu.Lock()
	retries := c.pending[42].retries
	c.mu.Unlock()
	if retries != 3 {
		t.Fatalf("retries = %d, want 3", retries)
	}

	// Budget exhausted: abandoned, removed, failure reported.
	c.sweep(1903)
	if got := c.PendingCount(); got != 0 {
		t.Errorf("pending count %d after abandonment", got)
	}
	failMu.Lock()
	got := failedID
	failMu.Unlock()
	if got != 42 {
		t.Errorf("failure reported for event %d, want 42", got)
	}

	// No further retransmission ever happens.
	c.sweep(5000)

	events := 0
	for _, typ := range drainPackets(t, ln) {
		if typ == protocol.MsgEvent {
			events++
		}
	}
	if events != 3 {
		t.Errorf("observed %d retransmissions, want 3", events)
	}
}

func TestJoinResendUntilAcked(t *testing.T) {
	c, ln := newTestClient(t, nil, nil)
	drainPackets(t, ln) // initial JOIN from Dial

	c.mu.Lock()
	c.lastJoinMs = 1000
	c.mu.Unlock()
	cfgJoinMs := uint64(c.cfg.JoinInterval.Milliseconds())

	c.sweep(1000 + cfgJoinMs - 1)
	c.sweep(1000 + cfgJoinMs)
	joins := 0
	for _, typ := range drainPackets(t, ln) {
		if typ == protocol.MsgJoin {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("observed %d JOIN resends, want 1", joins)
	}

	// Once acked, no more JOINs.
	c.handlePacket(protocol.Packet(protocol.MsgJoinAck, 0, 0, protocol.EncodeJoinAck(7)), 0)
	if id, ok := c.PlayerID(); !ok || id != 7 {
		t.Fatalf("player id = %d, connected = %v", id, ok)
	}
	c.sweep(1000 + 10*cfgJoinMs)
	for _, typ := range drainPackets(t, ln) {
		if typ == protocol.MsgJoin {
			t.Fatal("JOIN resent after ack")
		}
	}
}

func TestAckMatching(t *testing.T) {
	c, _ := newTestClient(t, nil, nil)

	id1, err := c.Acquire(3, 5)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	id2, _ := c.Acquire(4, 6)
	if id2 != id1+1 {
		t.Fatalf("event ids not monotonic: %d then %d", id1, id2)
	}
	if !c.IsPending(3, 5) || !c.IsPending(4, 6) {
		t.Fatal("cells not marked pending")
	}

	c.handlePacket(ackPacket(id1), 0)
	if c.IsPending(3, 5) {
		t.Error("cell still pending after ack")
	}
	if got := c.PendingCount(); got != 1 {
		t.Errorf("pending count %d, want 1", got)
	}

	// Duplicate and unknown acks are harmless no-ops.
	c.handlePacket(ackPacket(id1), 0)
	c.handlePacket(ackPacket(9999), 0)
	if got := c.PendingCount(); got != 1 {
		t.Errorf("pending count %d after stray acks", got)
	}
}

func TestSnapshotStalenessAndLatency(t *testing.T) {
	sink := &recordSink{}
	c, _ := newTestClient(t, sink, nil)

	gridA := make([]byte, 4*4)
	gridA[0] = 1
	gridB := make([]byte, 4*4)
	gridB[1] = 2

	// Snapshot 2 sent at t=5000, received at t=5040: latency 40, first
	// sample so jitter 0.
	c.handlePacket(snapshotPacket(2, 5000, protocol.Snapshot{GridSize: 4, Grid: gridA}), 5040)
	if c.Latency() != 40 || c.Jitter() != 0 {
		t.Fatalf("latency %d jitter %d, want 40, 0", c.Latency(), c.Jitter())
	}
	if c.CellOwner(0, 0) != 1 {
		t.Fatal("grid not applied")
	}

	// Snapshot 1 arrives late with different contents: discarded, and
	// state is exactly as if only snapshot 2 had been applied.
	c.handlePacket(snapshotPacket(1, 5010, protocol.Snapshot{GridSize: 4, Grid: gridB}), 5045)
	if c.CellOwner(0, 1) != 0 || c.CellOwner(0, 0) != 1 {
		t.Error("stale snapshot mutated the grid")
	}
	if c.LastSnapshotID() != 2 {
		t.Errorf("snapshot cursor %d, want 2", c.LastSnapshotID())
	}

	// Redundant copy of snapshot 2: no second latency sample.
	c.handlePacket(snapshotPacket(2, 5000, protocol.Snapshot{GridSize: 4, Grid: gridA}), 5060)
	if got := sink.count(); got != 1 {
		t.Errorf("%d latency samples recorded, want 1", got)
	}

	// Snapshot 3: latency 70, jitter |70-40| = 30.
	c.handlePacket(snapshotPacket(3, 6000, protocol.Snapshot{GridSize: 4, Grid: gridB}), 6070)
	if c.Latency() != 70 || c.Jitter() != 30 {
		t.Errorf("latency %d jitter %d, want 70, 30", c.Latency(), c.Jitter())
	}
	if c.CellOwner(0, 1) != 2 {
		t.Error("newer snapshot not applied")
	}

	// Clock skew: a send timestamp in the future clamps latency to 0.
	c.handlePacket(snapshotPacket(4, 9000, protocol.Snapshot{GridSize: 4, Grid: gridB}), 8000)
	if c.Latency() != 0 {
		t.Errorf("latency %d with future timestamp, want 0", c.Latency())
	}

	if got := sink.count(); got != 3 {
		t.Errorf("%d snapshot records, want 3", got)
	}
}

func TestMalformedInboundIgnored(t *testing.T) {
	c, _ := newTestClient(t, nil, nil)

	c.handlePacket(nil, 0)
	c.handlePacket([]byte("garbage"), 0)
	bad := protocol.Packet(protocol.MsgSnapshot, 1, 1, nil)
	bad[4] = protocol.Version + 1
	c.handlePacket(bad, 0)
	// Snapshot with an empty payload fails tolerant decode's minimum.
	c.handlePacket(protocol.Packet(protocol.MsgSnapshot, 5, 5, nil), 0)

	if c.LastSnapshotID() != 0 || c.Connected() {
		t.Error("malformed packets mutated client state")
	}
}

func TestAcquireRejectsOutOfWireRange(t *testing.T) {
	c, _ := newTestClient(t, nil, nil)
	if _, err := c.Acquire(-1, 0); err == nil {
		t.Error("negative row accepted")
	}
	if _, err := c.Acquire(0, 300); err == nil {
		t.Error("col beyond wire range accepted")
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("rejected acquires left %d pending entries", got)
	}
}
