package server

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const observerWriteWait = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// ObserverPlayer is one roster entry in an observer frame.
type ObserverPlayer struct {
	ID uint8   `json:"id" msgpack:"id"`
	X  float32 `json:"x" msgpack:"x"`
	Y  float32 `json:"y" msgpack:"y"`
}

// ObserverFrame is the state pushed to spectator UIs. It mirrors the
// snapshot payload but carries no protocol framing; the feed is for
// display only and bypasses none of the UDP path's semantics.
type ObserverFrame struct {
	SnapshotID uint32           `json:"sid" msgpack:"sid"`
	Clients    int              `json:"clients" msgpack:"clients"`
	GridSize   int              `json:"n" msgpack:"n"`
	Players    []ObserverPlayer `json:"p" msgpack:"p"`
	Grid       []byte           `json:"g" msgpack:"g"`
}

func frameFrom(v View) ObserverFrame {
	players := make([]ObserverPlayer, 0, len(v.Players))
	for _, p := range v.Players {
		players = append(players, ObserverPlayer{ID: p.ID, X: p.X, Y: p.Y})
	}
	return ObserverFrame{
		SnapshotID: v.SnapshotID,
		Clients:    v.Clients,
		GridSize:   v.GridSize,
		Players:    players,
		Grid:       v.Grid,
	}
}

// SetupRoutes configures the observer HTTP endpoints: /stats returns a
// JSON summary, /ws streams msgpack-encoded ObserverFrames at the given
// interval.
func SetupRoutes(store *Store, interval time.Duration) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		v := store.View()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"snapshot_id": v.SnapshotID,
			"clients":     v.Clients,
			"grid_size":   v.GridSize,
		})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("observer: upgrade error: %v", err)
			return
		}
		go serveObserver(store, conn, interval)
	})

	return mux
}

// serveObserver pushes frames to one spectator until it disconnects.
// Frames are skipped while the snapshot id is unchanged.
func serveObserver(store *Store, conn *websocket.Conn, interval time.Duration) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		// Drain inbound traffic; a read error means the peer is gone.
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := false
	var lastID uint32
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			v := store.View()
			if sent && v.SnapshotID == lastID {
				continue
			}
			data, err := msgpack.Marshal(frameFrom(v))
			if err != nil {
				log.Printf("observer: marshal error: %v", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(observerWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
			sent = true
			lastID = v.SnapshotID
		}
	}
}
