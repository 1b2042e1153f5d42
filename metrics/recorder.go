package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	queueSize     = 1024
	flushBatch    = 50
	flushInterval = 5 * time.Second
)

// Recorder persists records into SQLite through a batched background
// writer. Enqueueing is non-blocking: if the queue is full the record
// is dropped rather than stalling the protocol loops.
type Recorder struct {
	conn    *sql.DB
	records chan any
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Open opens (or creates) the metrics database and starts the
// background writer.
func Open(path string) (*Recorder, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL mode so readers don't block the writer
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	r := &Recorder{
		conn:    conn,
		records: make(chan any, queueSize),
		stop:    make(chan struct{}),
	}
	if err := r.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	r.wg.Add(1)
	go r.writer()
	return r, nil
}

func (r *Recorder) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS broadcast_ticks (
		ts_ms INTEGER NOT NULL,
		snapshot_id INTEGER NOT NULL,
		num_clients INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS server_events (
		ts_ms INTEGER NOT NULL,
		player_id INTEGER NOT NULL,
		event_id INTEGER NOT NULL,
		row INTEGER NOT NULL,
		col INTEGER NOT NULL,
		client_ts_ms INTEGER NOT NULL,
		server_rx_ms INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_snapshots (
		ts_ms INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		snapshot_id INTEGER NOT NULL,
		server_ts_ms INTEGER NOT NULL,
		client_rx_ms INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		jitter_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_server_events_player ON server_events(player_id);
	CREATE INDEX IF NOT EXISTS idx_client_snapshots_run ON client_snapshots(run_id);
	`
	_, err := r.conn.Exec(schema)
	if err != nil {
		log.Printf("metrics: migration error: %v", err)
	}
	return err
}

// BroadcastTick enqueues a broadcast tick record (non-blocking).
func (r *Recorder) BroadcastTick(rec BroadcastRecord) { r.enqueue(rec) }

// Event enqueues a processed-event record (non-blocking).
func (r *Recorder) Event(rec EventRecord) { r.enqueue(rec) }

// Snapshot enqueues an applied-snapshot record (non-blocking).
func (r *Recorder) Snapshot(rec SnapshotRecord) { r.enqueue(rec) }

func (r *Recorder) enqueue(rec any) {
	select {
	case r.records <- rec:
	default:
		// Queue full — drop rather than blocking a protocol loop.
	}
}

// Stop drains the queue, flushes, and closes the database.
func (r *Recorder) Stop() error {
	close(r.stop)
	r.wg.Wait()
	return r.conn.Close()
}

// writer batches records and writes them on a timer or when the batch
// grows large, whichever comes first.
func (r *Recorder) writer() {
	defer r.wg.Done()

	batch := make([]any, 0, flushBatch)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-r.records:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stop:
			// Drain whatever is queued without closing the channel, so a
			// straggling enqueue cannot panic.
			for {
				select {
				case rec := <-r.records:
					batch = append(batch, rec)
				default:
					if len(batch) > 0 {
						r.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []any) {
	tx, err := r.conn.Begin()
	if err != nil {
		log.Printf("metrics: begin tx error: %v", err)
		return
	}
	defer tx.Rollback()

	for _, rec := range batch {
		switch v := rec.(type) {
		case BroadcastRecord:
			_, err = tx.Exec(
				"INSERT INTO broadcast_ticks (ts_ms, snapshot_id, num_clients) VALUES (?, ?, ?)",
				v.TimestampMs, v.SnapshotID, v.NumClients,
			)
		case EventRecord:
			_, err = tx.Exec(
				`INSERT INTO server_events (ts_ms, player_id, event_id, row, col, client_ts_ms, server_rx_ms, latency_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				v.TimestampMs, v.PlayerID, v.EventID, v.Row, v.Col, v.ClientTsMs, v.ServerRxMs, v.LatencyMs,
			)
		case SnapshotRecord:
			_, err = tx.Exec(
				`INSERT INTO client_snapshots (ts_ms, run_id, snapshot_id, server_ts_ms, client_rx_ms, latency_ms, jitter_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				v.TimestampMs, v.RunID, v.SnapshotID, v.ServerTsMs, v.ClientRxMs, v.LatencyMs, v.JitterMs,
			)
		}
		if err != nil {
			log.Printf("metrics: insert error: %v", err)
		}
	}
	tx.Commit()
}

// --- Query helpers ---

// EventCount returns the number of recorded server events.
func (r *Recorder) EventCount() (int, error) {
	var n int
	err := r.conn.QueryRow("SELECT COUNT(*) FROM server_events").Scan(&n)
	return n, err
}

// TickCount returns the number of recorded broadcast ticks.
func (r *Recorder) TickCount() (int, error) {
	var n int
	err := r.conn.QueryRow("SELECT COUNT(*) FROM broadcast_ticks").Scan(&n)
	return n, err
}

// AvgEventLatency returns the mean client->server latency in ms over
// all recorded events, or 0 when none exist.
func (r *Recorder) AvgEventLatency() (float64, error) {
	var avg sql.NullFloat64
	err := r.conn.QueryRow("SELECT AVG(latency_ms) FROM server_events").Scan(&avg)
	return avg.Float64, err
}

// AvgSnapshotLatency returns the mean server->client latency in ms for
// one client run, or 0 when none exist.
func (r *Recorder) AvgSnapshotLatency(runID string) (float64, error) {
	var avg sql.NullFloat64
	err := r.conn.QueryRow(
		"SELECT AVG(latency_ms) FROM client_snapshots WHERE run_id = ?", runID,
	).Scan(&avg)
	return avg.Float64, err
}
