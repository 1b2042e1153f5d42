// Package metrics collects append-only protocol measurements: one
// record per broadcast tick, per processed event, and per applied
// client-side snapshot. The core server and client hand records to a
// Sink and never block on or fail because of it.
package metrics

// BroadcastRecord is written once per snapshot broadcast tick.
type BroadcastRecord struct {
	TimestampMs int64
	SnapshotID  uint32
	NumClients  int
}

// EventRecord is written once per EVENT processed by the server.
type EventRecord struct {
	TimestampMs int64
	PlayerID    uint8
	EventID     uint32
	Row         int
	Col         int
	ClientTsMs  int64
	ServerRxMs  int64
	LatencyMs   int64
}

// SnapshotRecord is written once per snapshot applied by a client.
// RunID identifies the client process so runs can be separated.
type SnapshotRecord struct {
	TimestampMs int64
	RunID       string
	SnapshotID  uint32
	ServerTsMs  int64
	ClientRxMs  int64
	LatencyMs   int64
	JitterMs    int64
}

// Sink accepts metric records. Implementations must not block the
// caller; Recorder drops records when its queue is full.
type Sink interface {
	BroadcastTick(BroadcastRecord)
	Event(EventRecord)
	Snapshot(SnapshotRecord)
}

// Nop discards all records. Used when metrics are disabled and in tests.
type Nop struct{}

func (Nop) BroadcastTick(BroadcastRecord) {}
func (Nop) Event(EventRecord)             {}
func (Nop) Snapshot(SnapshotRecord)       {}
