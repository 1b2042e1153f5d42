package server

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"gridclash/protocol"
)

// Endpoint is the value-typed identity key for a client: its transport
// address. Two sockets on the same host are two distinct endpoints.
type Endpoint struct {
	IP   string
	Port int
}

func endpointOf(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP.String(), Port: addr.Port}
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// liveClient is the registry entry for an endpoint the server currently
// considers connected.
type liveClient struct {
	id         uint8
	addr       *net.UDPAddr
	lastSeenMs uint64
	applied    map[uint32]struct{} // event ids already applied, for dedup
}

// Store owns all authoritative server state: the grid, the live client
// registry, the permanent identity history, and the snapshot counters.
// Every access goes through one mutex; eviction and event application
// touch several maps together and must be observed atomically.
type Store struct {
	mu         sync.Mutex
	gridSize   int
	grid       []byte // row-major owner ids, 0 = unclaimed
	live       map[Endpoint]*liveClient
	history    map[Endpoint]uint8 // survives eviction so a rejoin keeps its id
	nextID     int
	snapshotID uint32
	seq        uint32
}

// NewStore creates an empty store with an unclaimed gridSize x gridSize grid.
func NewStore(gridSize int) *Store {
	return &Store{
		gridSize: gridSize,
		grid:     make([]byte, gridSize*gridSize),
		live:     make(map[Endpoint]*liveClient),
		history:  make(map[Endpoint]uint8),
		nextID:   1,
	}
}

// JoinResult describes how a JOIN was resolved.
type JoinResult struct {
	PlayerID uint8
	Existing bool // endpoint was already live
	Rejoined bool // id restored from identity history
}

// Join registers the endpoint (or refreshes it if already live) and
// returns its player id. Ids are never reassigned: an endpoint seen
// before eviction gets its historical id back.
func (st *Store) Join(addr *net.UDPAddr, nowMs uint64) JoinResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	ep := endpointOf(addr)
	if c, ok := st.live[ep]; ok {
		c.lastSeenMs = nowMs
		return JoinResult{PlayerID: c.id, Existing: true}
	}
	id, rejoined, ok := st.register(ep, addr, nowMs)
	if !ok {
		return JoinResult{}
	}
	return JoinResult{PlayerID: id, Rejoined: rejoined}
}

// register adds ep to the live registry, resolving its id against the
// identity history. Ids share the grid's one-byte cell encoding with 0
// as the unclaimed sentinel, so fresh endpoints are refused once 255
// ids have been minted. Caller holds st.mu.
func (st *Store) register(ep Endpoint, addr *net.UDPAddr, nowMs uint64) (id uint8, rejoined, ok bool) {
	if old, found := st.history[ep]; found {
		id = old
		rejoined = true
	} else {
		if st.nextID > 255 {
			return 0, false, false
		}
		id = uint8(st.nextID)
		st.history[ep] = id
		st.nextID++
	}
	st.live[ep] = &liveClient{
		id:         id,
		addr:       addr,
		lastSeenMs: nowMs,
		applied:    make(map[uint32]struct{}),
	}
	return id, rejoined, true
}

// EventResult describes how an EVENT was resolved. An ack is owed to
// the sender in every case except a zero PlayerID, which means the
// sender could not be registered and the event was dropped.
type EventResult struct {
	PlayerID  uint8
	Duplicate bool // event id already applied for this endpoint
	Applied   bool // cell ownership changed
	Rejoined  bool // endpoint was re-registered on the way in
}

// ApplyEvent refreshes the endpoint's last-seen time, re-registers it
// if it is not live (first contact, or contact after eviction), and
// applies acquire resolution unless the event id is a duplicate.
// Ownership is first-claim-wins: a non-zero cell never changes.
func (st *Store) ApplyEvent(addr *net.UDPAddr, ev protocol.Event, nowMs uint64) EventResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	ep := endpointOf(addr)
	var res EventResult
	c, ok := st.live[ep]
	if !ok {
		var registered bool
		res.PlayerID, res.Rejoined, registered = st.register(ep, addr, nowMs)
		if !registered {
			return res
		}
		c = st.live[ep]
	} else {
		res.PlayerID = c.id
	}
	c.lastSeenMs = nowMs

	if _, seen := c.applied[ev.ID]; seen {
		res.Duplicate = true
		return res
	}
	c.applied[ev.ID] = struct{}{}

	if ev.Kind != protocol.EventAcquire {
		return res
	}
	row, col := int(ev.Row), int(ev.Col)
	if row >= st.gridSize || col >= st.gridSize {
		return res
	}
	idx := row*st.gridSize + col
	if st.grid[idx] == 0 {
		st.grid[idx] = c.id
		res.Applied = true
	}
	return res
}

// Evicted identifies one client removed by the cleanup sweep.
type Evicted struct {
	Endpoint Endpoint
	PlayerID uint8
}

// EvictStale removes every live endpoint silent for longer than
// timeoutMs. Identity history and grid ownership are untouched, so an
// evicted endpoint that resumes recovers its id and keeps its cells.
func (st *Store) EvictStale(nowMs, timeoutMs uint64) []Evicted {
	st.mu.Lock()
	defer st.mu.Unlock()

	var dead []Evicted
	for ep, c := range st.live {
		if nowMs-c.lastSeenMs > timeoutMs {
			dead = append(dead, Evicted{Endpoint: ep, PlayerID: c.id})
			delete(st.live, ep)
		}
	}
	return dead
}

// NextBroadcast consumes one snapshot id and sequence number and
// returns the state to broadcast plus the live targets. When no client
// is live it returns ok=false without consuming an id.
func (st *Store) NextBroadcast() (id, seq uint32, snap protocol.Snapshot, addrs []*net.UDPAddr, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.live) == 0 {
		return 0, 0, protocol.Snapshot{}, nil, false
	}
	st.snapshotID++
	st.seq++

	snap = st.snapshotLocked()
	addrs = make([]*net.UDPAddr, 0, len(st.live))
	for _, c := range st.live {
		addrs = append(addrs, c.addr)
	}
	return st.snapshotID, st.seq, snap, addrs, true
}

// snapshotLocked builds the roster and a grid copy. Caller holds st.mu.
// Positions are fabricated (x = player id, y = 0) until the protocol
// carries real ones.
func (st *Store) snapshotLocked() protocol.Snapshot {
	players := make([]protocol.PlayerEntry, 0, len(st.live))
	for _, c := range st.live {
		players = append(players, protocol.PlayerEntry{ID: c.id, X: float32(c.id), Y: 0})
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })

	grid := make([]byte, len(st.grid))
	copy(grid, st.grid)
	return protocol.Snapshot{GridSize: uint8(st.gridSize), Players: players, Grid: grid}
}

// View is a consistent read of the store for observers and diagnostics.
type View struct {
	SnapshotID uint32
	Clients    int
	GridSize   int
	Players    []protocol.PlayerEntry
	Grid       []byte
}

// View returns a copy of the current state.
func (st *Store) View() View {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := st.snapshotLocked()
	return View{
		SnapshotID: st.snapshotID,
		Clients:    len(st.live),
		GridSize:   st.gridSize,
		Players:    snap.Players,
		Grid:       snap.Grid,
	}
}

// CellOwner returns the owner of one cell, 0 if unclaimed or out of range.
func (st *Store) CellOwner(row, col int) uint8 {
	st.mu.Lock()
	defer st.mu.Unlock()
	if row < 0 || row >= st.gridSize || col < 0 || col >= st.gridSize {
		return 0
	}
	return st.grid[row*st.gridSize+col]
}

// LiveCount returns the number of live clients.
func (st *Store) LiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.live)
}
