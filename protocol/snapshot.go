package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PlayerEntry is one roster entry in a snapshot. The position is
// fabricated by the server (x = player id, y = 0); the fields exist so
// the payload shape can grow real positions without a format change.
type PlayerEntry struct {
	ID uint8
	X  float32
	Y  float32
}

const playerEntrySize = 9

// Snapshot is the full authoritative state broadcast each tick:
// grid dimension, player roster, and N*N grid ownership bytes in
// row-major order (0 = unclaimed, else owning player id).
type Snapshot struct {
	GridSize uint8
	Players  []PlayerEntry
	Grid     []byte
}

// EncodeSnapshot serializes s. The payload is
// 2 + 9*len(Players) + GridSize^2 bytes.
func EncodeSnapshot(s Snapshot) []byte {
	n := int(s.GridSize)
	buf := make([]byte, 0, 2+playerEntrySize*len(s.Players)+n*n)
	buf = append(buf, s.GridSize, uint8(len(s.Players)))
	for _, p := range s.Players {
		var entry [playerEntrySize]byte
		entry[0] = p.ID
		binary.BigEndian.PutUint32(entry[1:5], math.Float32bits(p.X))
		binary.BigEndian.PutUint32(entry[5:9], math.Float32bits(p.Y))
		buf = append(buf, entry[:]...)
	}
	buf = append(buf, s.Grid[:n*n]...)
	return buf
}

// DecodeSnapshot parses a snapshot payload. The decode is tolerant of
// truncation: a roster cut short stops at the last complete entry, and
// missing trailing grid cells are left unclaimed (zero) rather than
// failing, so a garbled datagram degrades instead of crashing the
// receiver. Only a payload too short for the two count bytes is an error.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) < 2 {
		return Snapshot{}, fmt.Errorf("snapshot payload too short: %d bytes", len(data))
	}
	n := data[0]
	numPlayers := int(data[1])
	off := 2

	players := make([]PlayerEntry, 0, numPlayers)
	for i := 0; i < numPlayers; i++ {
		if off+playerEntrySize > len(data) {
			// The remaining bytes are a fragment of a roster entry,
			// not grid cells; consume them so they don't leak into
			// the grid below.
			off = len(data)
			break
		}
		players = append(players, PlayerEntry{
			ID: data[off],
			X:  math.Float32frombits(binary.BigEndian.Uint32(data[off+1 : off+5])),
			Y:  math.Float32frombits(binary.BigEndian.Uint32(data[off+5 : off+9])),
		})
		off += playerEntrySize
	}

	grid := make([]byte, int(n)*int(n))
	if off < len(data) {
		copy(grid, data[off:])
	}
	return Snapshot{GridSize: n, Players: players, Grid: grid}, nil
}
