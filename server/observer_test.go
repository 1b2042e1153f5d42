package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

func TestObserverStats(t *testing.T) {
	st := NewStore(20)
	st.Join(testAddr(7001), 0)

	ts := httptest.NewServer(SetupRoutes(st, 20*time.Millisecond))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["clients"].(float64) != 1 {
		t.Errorf("clients = %v, want 1", stats["clients"])
	}
	if stats["grid_size"].(float64) != 20 {
		t.Errorf("grid_size = %v, want 20", stats["grid_size"])
	}
}

func TestObserverStream(t *testing.T) {
	st := NewStore(4)
	st.Join(testAddr(7002), 0)
	st.ApplyEvent(testAddr(7002), acquire(1, 0, 0), 0)
	st.NextBroadcast()

	ts := httptest.NewServer(SetupRoutes(st, 10*time.Millisecond))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("frame type %d, want binary", msgType)
	}

	var frame ObserverFrame
	if err := msgpack.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("msgpack unmarshal: %v", err)
	}
	if frame.SnapshotID != 1 || frame.GridSize != 4 || frame.Clients != 1 {
		t.Errorf("frame = %+v", frame)
	}
	if len(frame.Grid) != 16 || frame.Grid[0] != 1 {
		t.Errorf("frame grid wrong: %v", frame.Grid)
	}
	if len(frame.Players) != 1 || frame.Players[0].ID != 1 {
		t.Errorf("frame roster wrong: %+v", frame.Players)
	}
}
